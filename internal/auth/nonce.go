package auth

import (
	"context"
	"sync"
	"time"
)

// Ledger records redeemed nonces.
type Ledger interface {
	// Consume atomically records nonce until retainUntil. It reports false if
	// the nonce was already present.
	Consume(ctx context.Context, nonce string, retainUntil time.Time) (bool, error)
}

// MemoryLedger is a process-local Ledger. Entries past their retention time
// are dropped by Prune.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the ledger clock.
func (l *MemoryLedger) WithClock(clock func() time.Time) {
	if clock != nil {
		l.now = clock
	}
}

func (l *MemoryLedger) Consume(_ context.Context, nonce string, retainUntil time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.entries[nonce]; ok && l.now().Before(until) {
		return false, nil
	}
	l.entries[nonce] = retainUntil
	return true, nil
}

// Prune removes expired entries and returns how many were removed.
func (l *MemoryLedger) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for nonce, until := range l.entries {
		if !now.Before(until) {
			delete(l.entries, nonce)
			removed++
		}
	}
	return removed
}

// Len returns the number of retained nonces.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run prunes every interval until ctx is cancelled.
func (l *MemoryLedger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
