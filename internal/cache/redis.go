package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TrackingPrefix is the key prefix of the per-family tracking sets used when
// the store cannot SCAN (managed or proxied Redis deployments).
//
//	Key:   cache:keys:<family>
//	Type:  SET of cache keys
const TrackingPrefix = "cache:keys:"

const scanBatch = 200

// Redis is a Backend on a shared Redis instance.
type Redis struct {
	client    *redis.Client
	trackKeys bool
}

var _ Backend = (*Redis)(nil)

// NewRedis creates a Redis backend. With trackKeys every Set also records the
// key in its family's tracking set and DeletePrefix reads that set instead of
// scanning the keyspace.
func NewRedis(client *redis.Client, trackKeys bool) *Redis {
	return &Redis{client: client, trackKeys: trackKeys}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !r.trackKeys {
		if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return fmt.Errorf("cache: redis set: %w", err)
		}
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, ttl)
		pipe.SAdd(ctx, TrackingPrefix+familyOf(key), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		if r.trackKeys {
			for _, k := range keys {
				pipe.SRem(ctx, TrackingPrefix+familyOf(k), k)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if r.trackKeys {
		return r.deleteTracked(ctx, prefix)
	}
	removed := 0
	iter := r.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			n, err := r.client.Del(ctx, batch...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache: redis delete prefix: %w", err)
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache: redis scan: %w", err)
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: redis delete prefix: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (r *Redis) deleteTracked(ctx context.Context, prefix string) (int, error) {
	set := TrackingPrefix + familyOf(prefix)
	members, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis tracking set: %w", err)
	}
	var keys []string
	for _, k := range members {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}
		pipe.SRem(ctx, set, args...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: redis delete tracked: %w", err)
	}
	return int(del.Val()), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op: the client is shared with other components and closed by
// its owner.
func (r *Redis) Close() error { return nil }
