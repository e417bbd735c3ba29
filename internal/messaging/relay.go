package messaging

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/whisper/gateway/internal/codec"
	"github.com/whisper/gateway/internal/metrics"
)

// Publisher is the part of NATSClient the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) error
}

// delivery asks other nodes to write Frame to whichever Recipients they hold.
// Frame is the binary envelope.
type delivery struct {
	Node       string   `msgpack:"node"`
	Recipients []string `msgpack:"recipients"`
	Frame      []byte   `msgpack:"frame"`
}

// eviction tells other nodes that Identity now lives on ConnID at Node.
type eviction struct {
	Node     string `msgpack:"node"`
	Identity string `msgpack:"identity"`
	ConnID   string `msgpack:"conn"`
}

// Relay carries broadcast frames and evictions between gateway nodes.
// Messages published by this node are ignored on receipt.
type Relay struct {
	pub  Publisher
	node string
	log  *zap.Logger
}

// NewRelay returns a relay identified as node.
func NewRelay(pub Publisher, node string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{pub: pub, node: node, log: log.Named("relay")}
}

// Node is this relay's node name.
func (r *Relay) Node() string { return r.node }

// PublishDelivery relays frame to recipients held by other nodes.
func (r *Relay) PublishDelivery(recipients []string, frame *codec.Frame) error {
	data, err := frame.Bytes(codec.FormatBinary)
	if err != nil {
		return fmt.Errorf("messaging: encode frame: %w", err)
	}
	msg, err := msgpack.Marshal(delivery{Node: r.node, Recipients: recipients, Frame: data})
	if err != nil {
		return fmt.Errorf("messaging: encode delivery: %w", err)
	}
	if err := r.pub.Publish(SubjectDeliver, msg); err != nil {
		return fmt.Errorf("messaging: publish delivery: %w", err)
	}
	metrics.RelayMessages.WithLabelValues("deliver", "out").Inc()
	return nil
}

// PublishEviction announces that identity authenticated on connID here.
func (r *Relay) PublishEviction(identity, connID string) error {
	msg, err := msgpack.Marshal(eviction{Node: r.node, Identity: identity, ConnID: connID})
	if err != nil {
		return fmt.Errorf("messaging: encode eviction: %w", err)
	}
	if err := r.pub.Publish(SubjectEvict, msg); err != nil {
		return fmt.Errorf("messaging: publish eviction: %w", err)
	}
	metrics.RelayMessages.WithLabelValues("evict", "out").Inc()
	return nil
}

// OnDelivery subscribes fn to deliveries from other nodes. The frame handed to
// fn keeps the original event type, payload and timestamp.
func (r *Relay) OnDelivery(fn func(recipients []string, frame *codec.Frame)) error {
	return r.pub.Subscribe(SubjectDeliver, func(data []byte) {
		recipients, frame, ok := r.decodeDelivery(data)
		if ok {
			fn(recipients, frame)
		}
	})
}

// OnEviction subscribes fn to evictions from other nodes.
func (r *Relay) OnEviction(fn func(identity, connID string)) error {
	return r.pub.Subscribe(SubjectEvict, func(data []byte) {
		var e eviction
		if err := msgpack.Unmarshal(data, &e); err != nil {
			r.log.Warn("dropping undecodable eviction", zap.Error(err))
			return
		}
		if e.Node == r.node {
			return
		}
		metrics.RelayMessages.WithLabelValues("evict", "in").Inc()
		fn(e.Identity, e.ConnID)
	})
}

func (r *Relay) decodeDelivery(data []byte) ([]string, *codec.Frame, bool) {
	var d delivery
	if err := msgpack.Unmarshal(data, &d); err != nil {
		r.log.Warn("dropping undecodable delivery", zap.Error(err))
		return nil, nil, false
	}
	if d.Node == r.node {
		return nil, nil, false
	}
	env, err := codec.BinaryDecoder{}.Decode(d.Frame)
	if err != nil {
		r.log.Warn("dropping delivery with bad frame", zap.String("node", d.Node), zap.Error(err))
		return nil, nil, false
	}
	var payload map[string]any
	if err := env.DecodePayload(&payload); err != nil {
		r.log.Warn("dropping delivery with bad payload", zap.String("type", env.Type), zap.Error(err))
		return nil, nil, false
	}
	metrics.RelayMessages.WithLabelValues("deliver", "in").Inc()
	return d.Recipients, &codec.Frame{Type: env.Type, Payload: payload, Timestamp: env.Timestamp}, true
}
