package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/metrics"
)

// ResilientConfig configures a Resilient cache.
type ResilientConfig struct {
	OpTimeout     time.Duration
	RecheckInterval time.Duration
	// Families are the key prefixes wiped from the external store before it is
	// trusted again after an outage.
	Families []string
}

// Resilient is the error-free cache facade. It serves from the external
// backend while it is healthy and from the in-process fallback otherwise.
// Every operation succeeds or degrades to a clean miss.
//
// Invalidations issued while degraded only reach the fallback, so on recovery
// every registered family is deleted from the external store before it is
// used again.
type Resilient struct {
	external Backend // nil when no external store is configured
	fallback *Memory
	cfg      ResilientConfig
	log      *zap.Logger

	degraded  atomic.Bool
	recoverMu sync.Mutex
}

// NewResilient wraps external (which may be nil) with fallback.
func NewResilient(external Backend, fallback *Memory, cfg ResilientConfig, log *zap.Logger) *Resilient {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 5 * time.Second
	}
	if len(cfg.Families) == 0 {
		cfg.Families = Families
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resilient{external: external, fallback: fallback, cfg: cfg, log: log}
}

// Degraded reports whether the fallback is serving because the external
// store failed.
func (r *Resilient) Degraded() bool { return r.degraded.Load() }

// Mode names the backend currently serving.
func (r *Resilient) Mode() string {
	if r.external == nil || r.degraded.Load() {
		return r.fallback.Name()
	}
	return r.external.Name()
}

func (r *Resilient) useExternal() bool {
	return r.external != nil && !r.degraded.Load()
}

// Get returns the cached value or a miss. A failure caused by ctx itself
// ending is a miss and leaves the external store serving.
func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool) {
	if r.useExternal() {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		val, ok, err := r.external.Get(opCtx, key)
		cancel()
		if err == nil {
			return val, ok
		}
		if ctx.Err() != nil {
			return nil, false
		}
		r.degrade("get", err)
	}
	val, ok, _ := r.fallback.Get(ctx, key)
	return val, ok
}

// Set is skipped when ctx has already ended.
func (r *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if r.useExternal() {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		err := r.external.Set(opCtx, key, value, ttl)
		cancel()
		if err == nil || ctx.Err() != nil {
			return
		}
		r.degrade("set", err)
	}
	r.fallback.Set(ctx, key, value, ttl)
}

// Delete runs detached from ctx cancellation: an invalidation must not be
// lost because the request that issued it timed out.
func (r *Resilient) Delete(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	if r.useExternal() {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		err := r.external.Delete(opCtx, keys...)
		cancel()
		if err == nil {
			return
		}
		r.degrade("delete", err)
	}
	r.fallback.Delete(ctx, keys...)
}

// DeletePrefix is detached from ctx cancellation like Delete.
func (r *Resilient) DeletePrefix(ctx context.Context, prefix string) {
	ctx = context.WithoutCancel(ctx)
	if r.useExternal() {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		_, err := r.external.DeletePrefix(opCtx, prefix)
		cancel()
		if err == nil {
			return
		}
		r.degrade("delete_prefix", err)
	}
	r.fallback.DeletePrefix(ctx, prefix)
}

// degrade switches to the fallback. The fallback is flushed on entry so
// entries left over from an earlier outage are not served.
func (r *Resilient) degrade(op string, err error) {
	if r.degraded.CompareAndSwap(false, true) {
		r.fallback.Flush()
		metrics.CacheDegraded.Set(1)
		r.log.Warn("external cache unavailable, serving from memory",
			zap.String("op", op), zap.String("backend", r.external.Name()), zap.Error(err))
	}
}

// Recheck checks the external store once and switches back to it when it is
// reachable and every family has been wiped. It reports whether the external
// store is serving after the call.
func (r *Resilient) Recheck(ctx context.Context) bool {
	if r.external == nil {
		return false
	}
	if !r.degraded.Load() {
		return true
	}
	r.recoverMu.Lock()
	defer r.recoverMu.Unlock()
	if !r.degraded.Load() {
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	err := r.external.Ping(pctx)
	cancel()
	if err != nil {
		r.log.Debug("external cache still unavailable", zap.Error(err))
		return false
	}
	for _, family := range r.cfg.Families {
		dctx, cancel := context.WithTimeout(ctx, 4*r.cfg.OpTimeout)
		n, err := r.external.DeletePrefix(dctx, family+":")
		cancel()
		if err != nil {
			r.log.Warn("external cache recovery wipe failed", zap.String("family", family), zap.Error(err))
			return false
		}
		r.log.Debug("wiped family before recovery", zap.String("family", family), zap.Int("keys", n))
	}

	r.degraded.Store(false)
	r.fallback.Flush()
	metrics.CacheDegraded.Set(0)
	r.log.Info("external cache recovered", zap.String("backend", r.external.Name()))
	return true
}

// Run rechecks the external store every RecheckInterval while degraded, until ctx
// is cancelled.
func (r *Resilient) Run(ctx context.Context) {
	if r.external == nil {
		return
	}
	ticker := time.NewTicker(r.cfg.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.degraded.Load() {
				r.Recheck(ctx)
			}
		}
	}
}

// Close releases both backends.
func (r *Resilient) Close() error {
	if r.external != nil {
		r.external.Close()
	}
	return r.fallback.Close()
}
