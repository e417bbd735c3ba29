package gateway

import (
	"context"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	gws "github.com/whisper/gateway/internal/ws"
)

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Interval time.Duration // ping period
	Timeout  time.Duration // extra wait for any frame after a ping
	Idle     time.Duration // eviction after no application traffic
}

// Eviction reasons used by the monitor.
const (
	ReasonIdle             = "idle timeout"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonPingFailed       = "ping failed"
)

// Monitor pings authenticated connections and evicts dead or idle ones
// through the registry.
type Monitor struct {
	cfg      HeartbeatConfig
	registry *Registry
	log      *zap.Logger
	now      func() time.Time
}

func NewMonitor(cfg HeartbeatConfig, registry *Registry, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{cfg: cfg, registry: registry, log: log, now: time.Now}
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run checks every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one liveness pass and returns the number of evictions.
func (m *Monitor) Check() int {
	now := m.now()
	evicted := 0
	for _, c := range m.registry.All() {
		if c.Closed() {
			continue
		}
		if code, reason, dead := m.verdict(c, now); dead {
			m.registry.Evict(c, code, reason)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			m.log.Debug("ping failed", zap.String("conn", c.ID), zap.Error(err))
			m.registry.Evict(c, ws.StatusGoingAway, ReasonPingFailed)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Info("heartbeat pass", zap.Int("evicted", evicted))
	}
	return evicted
}

func (m *Monitor) verdict(c *gws.Connection, now time.Time) (ws.StatusCode, string, bool) {
	if m.cfg.Idle > 0 && now.Sub(c.LastActivity()) > m.cfg.Idle {
		return gws.StatusIdle, ReasonIdle, true
	}
	if now.Sub(c.LastHeartbeat()) > m.cfg.Interval+m.cfg.Timeout {
		return ws.StatusGoingAway, ReasonHeartbeatTimeout, true
	}
	return 0, "", false
}
