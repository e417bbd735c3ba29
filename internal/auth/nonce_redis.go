package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NoncePrefix is the Redis key prefix for redeemed nonces.
//
//	Key:   nonce:<jti>
//	Value: 1
//	TTL:   until the nonce may be forgotten
const NoncePrefix = "nonce:"

// RedisLedger shares redeemed nonces across gateway nodes.
type RedisLedger struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLedger creates a ledger using the provided Redis client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, now: time.Now}
}

// Consume uses SET NX so two nodes racing on the same nonce cannot both win.
func (l *RedisLedger) Consume(ctx context.Context, nonce string, retainUntil time.Time) (bool, error) {
	ttl := retainUntil.Sub(l.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return l.client.SetNX(ctx, NoncePrefix+nonce, 1, ttl).Result()
}

// FailoverLedger checks the local ledger first and then the shared one. When
// the shared ledger errors the local result stands, so replay protection
// degrades to per-node instead of rejecting every login.
type FailoverLedger struct {
	local  *MemoryLedger
	shared Ledger
	log    *zap.Logger
}

// NewFailoverLedger combines a local and a shared ledger. shared may be nil.
func NewFailoverLedger(local *MemoryLedger, shared Ledger, log *zap.Logger) *FailoverLedger {
	if log == nil {
		log = zap.NewNop()
	}
	return &FailoverLedger{local: local, shared: shared, log: log}
}

func (l *FailoverLedger) Consume(ctx context.Context, nonce string, retainUntil time.Time) (bool, error) {
	fresh, err := l.local.Consume(ctx, nonce, retainUntil)
	if err != nil || !fresh || l.shared == nil {
		return fresh, err
	}
	fresh, err = l.shared.Consume(ctx, nonce, retainUntil)
	if err != nil {
		l.log.Warn("shared nonce ledger unavailable, using local ledger", zap.Error(err))
		return true, nil
	}
	return fresh, nil
}
