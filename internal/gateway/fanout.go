package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
)

// ErrShuttingDown is returned by broadcasts started after Close.
var ErrShuttingDown = errors.New("gateway: broadcaster shutting down")

// Members resolves a conversation's member set from the source of record.
type Members interface {
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

// DeliveryPublisher forwards frames for members connected to other nodes.
type DeliveryPublisher interface {
	PublishDelivery(recipients []string, frame *codec.Frame) error
}

// DeliveryReport summarises one broadcast. A partial delivery is not an
// error.
type DeliveryReport struct {
	Membership int // members of the conversation
	Attempted  int // members other than the excluded identity
	Delivered  int // successful local writes
	Offline    int // attempted members without a local connection
	Failed     int // local writes that failed; those connections were evicted
	Relayed    int // offline members handed to the relay
}

// Broadcaster fans one frame out to the live connections of a conversation.
type Broadcaster struct {
	members  Members
	registry *Registry
	relay    DeliveryPublisher
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// NewBroadcaster returns a broadcaster reading membership through members with
// storeTimeout.
func NewBroadcaster(members Members, registry *Registry, storeTimeout time.Duration, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		members:  members,
		registry: registry,
		timeout:  storeTimeout,
		log:      log,
	}
}

// SetRelay makes broadcasts hand members without a local connection to relay.
func (b *Broadcaster) SetRelay(relay DeliveryPublisher) { b.relay = relay }

// Broadcast delivers frame to every member of conversationID except exclude.
// Membership is read fresh; the frame is encoded once per wire format.
func (b *Broadcaster) Broadcast(ctx context.Context, conversationID string, frame *codec.Frame, exclude string) (DeliveryReport, error) {
	if !b.begin() {
		return DeliveryReport{}, ErrShuttingDown
	}
	defer b.inflight.Done()

	start := time.Now()
	defer func() { metrics.BroadcastDuration.Observe(time.Since(start).Seconds()) }()

	// Fail early on an unencodable payload rather than per recipient.
	if _, err := frame.Bytes(codec.FormatBinary); err != nil {
		return DeliveryReport{}, fmt.Errorf("gateway: encode %s: %w", frame.Type, err)
	}

	mctx, cancel := context.WithTimeout(ctx, b.timeout)
	members, err := b.members.MemberIDs(mctx, conversationID)
	cancel()
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("gateway: resolve members of %s: %w", conversationID, err)
	}

	report := DeliveryReport{Membership: len(members)}
	var remote []string
	for _, id := range members {
		if id == exclude {
			continue
		}
		report.Attempted++
		c := b.registry.Get(id)
		if c == nil || c.Closed() {
			report.Offline++
			remote = append(remote, id)
			continue
		}
		if err := c.Send(frame); err != nil {
			report.Failed++
			b.log.Debug("broadcast write failed",
				zap.String("conversation", conversationID),
				zap.String("identity", id),
				zap.Error(err))
			b.registry.Evict(c, ws.StatusGoingAway, reasonWriteFailed)
			continue
		}
		report.Delivered++
	}

	if b.relay != nil && len(remote) > 0 {
		if err := b.relay.PublishDelivery(remote, frame); err != nil {
			b.log.Warn("relay delivery failed", zap.String("conversation", conversationID), zap.Error(err))
		} else {
			report.Relayed = len(remote)
		}
	}

	metrics.Deliveries.WithLabelValues("delivered").Add(float64(report.Delivered))
	metrics.Deliveries.WithLabelValues("offline").Add(float64(report.Offline))
	metrics.Deliveries.WithLabelValues("failed").Add(float64(report.Failed))
	metrics.Deliveries.WithLabelValues("relayed").Add(float64(report.Relayed))

	b.log.Debug("broadcast",
		zap.String("conversation", conversationID),
		zap.String("event", frame.Type),
		zap.Int("membership", report.Membership),
		zap.Int("attempted", report.Attempted),
		zap.Int("delivered", report.Delivered))
	return report, nil
}

// DeliverLocal writes a relayed frame to the recipients connected here.
func (b *Broadcaster) DeliverLocal(recipients []string, frame *codec.Frame) int {
	delivered := 0
	for _, id := range recipients {
		switch err := b.registry.Send(id, frame); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrOffline):
		default:
			metrics.Deliveries.WithLabelValues("failed").Inc()
		}
	}
	metrics.Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	return delivered
}

func (b *Broadcaster) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.inflight.Add(1)
	return true
}

// Close rejects new broadcasts. In-flight ones keep running; see Drain.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()
}

// Drain closes the broadcaster and waits for in-flight broadcasts or ctx.
func (b *Broadcaster) Drain(ctx context.Context) error {
	b.Close()
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
