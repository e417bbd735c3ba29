// Package codec encodes and decodes the gateway wire envelope. An envelope is
// the 3-tuple (eventType, payload, serverTimestamp). The primary form is a
// msgpack array; a JSON object {type, payload, timestamp} is accepted as a
// fallback for older clients. Decoders are tried in a fixed order and the
// first one that recognises the frame determines its Format.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Format identifies the wire form of an envelope.
type Format uint8

const (
	FormatBinary Format = iota + 1
	FormatJSON
)

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "binary", "msgpack":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("codec: unknown format %q", s)
}

// payloadTag makes msgpack honour the json struct tags so a payload struct
// needs only one set of tags for both forms.
const payloadTag = "json"

var (
	// ErrMalformed is returned when no decoder recognises a frame.
	ErrMalformed = errors.New("codec: malformed envelope")

	errEmptyType = errors.New("empty event type")
)

// Envelope is a decoded inbound frame. The payload stays undecoded until the
// receiver knows which concrete type it expects.
type Envelope struct {
	Type      string
	Timestamp int64 // unix milliseconds, zero when the client omitted it
	Format    Format
	payload   []byte
}

// DecodePayload decodes the payload into v using the envelope's format. An
// absent payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.payload) == 0 {
		return nil
	}
	switch e.Format {
	case FormatBinary:
		dec := msgpack.NewDecoder(bytes.NewReader(e.payload))
		dec.SetCustomStructTag(payloadTag)
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("codec: decode %s payload: %w", e.Type, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(e.payload, v); err != nil {
			return fmt.Errorf("codec: decode %s payload: %w", e.Type, err)
		}
	default:
		return fmt.Errorf("codec: unknown format %d", e.Format)
	}
	return nil
}

// Decoder recognises one wire form.
type Decoder interface {
	Format() Format
	Decode(data []byte) (Envelope, error)
}

// Chain is an ordered list of decoders. The first decoder that returns an
// envelope wins.
type Chain []Decoder

// DefaultChain tries the binary form first, then the JSON fallback.
func DefaultChain() Chain {
	return Chain{BinaryDecoder{}, JSONDecoder{}}
}

// Decode runs the chain. When every decoder rejects the frame the returned
// error wraps ErrMalformed and each decoder's reason.
func (c Chain) Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	errs := make([]error, 0, len(c)+1)
	errs = append(errs, ErrMalformed)
	for _, d := range c {
		env, err := d.Decode(data)
		if err == nil {
			return env, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Format(), err))
	}
	return Envelope{}, errors.Join(errs...)
}

// BinaryDecoder decodes the msgpack array form. Clients may send a 2-element
// array without the timestamp.
type BinaryDecoder struct{}

func (BinaryDecoder) Format() Format { return FormatBinary }

func (BinaryDecoder) Decode(data []byte) (Envelope, error) {
	// bytes.Reader is a ByteScanner, so the decoder reads it without
	// buffering ahead and r.Len reports what the tuple left over.
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Envelope{}, err
	}
	if n != 2 && n != 3 {
		return Envelope{}, fmt.Errorf("expected 2 or 3 elements, got %d", n)
	}
	typ, err := dec.DecodeString()
	if err != nil {
		return Envelope{}, fmt.Errorf("event type: %w", err)
	}
	if typ == "" {
		return Envelope{}, errEmptyType
	}
	raw, err := dec.DecodeRaw()
	if err != nil {
		return Envelope{}, fmt.Errorf("payload: %w", err)
	}
	env := Envelope{Type: typ, Format: FormatBinary, payload: raw}
	if n == 3 {
		ts, err := dec.DecodeInt64()
		if err != nil {
			return Envelope{}, fmt.Errorf("timestamp: %w", err)
		}
		env.Timestamp = ts
	}
	if r.Len() > 0 {
		return Envelope{}, fmt.Errorf("%d trailing bytes after envelope", r.Len())
	}
	return env, nil
}

// JSONDecoder decodes the {type, payload, timestamp} object form.
type JSONDecoder struct{}

func (JSONDecoder) Format() Format { return FormatJSON }

func (JSONDecoder) Decode(data []byte) (Envelope, error) {
	var obj struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return Envelope{}, err
	}
	if obj.Type == "" {
		return Envelope{}, errEmptyType
	}
	payload := []byte(obj.Payload)
	if bytes.Equal(payload, []byte("null")) {
		payload = nil
	}
	return Envelope{Type: obj.Type, Timestamp: obj.Timestamp, Format: FormatJSON, payload: payload}, nil
}

// Encode serialises one envelope in the given format. A nil payload is
// written as an empty map.
func Encode(f Format, eventType string, payload any, ts int64) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	switch f {
	case FormatBinary:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag(payloadTag)
		if err := enc.EncodeArrayLen(3); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(eventType); err != nil {
			return nil, err
		}
		if err := enc.Encode(payload); err != nil {
			return nil, fmt.Errorf("codec: encode %s payload: %w", eventType, err)
		}
		if err := enc.EncodeInt(ts); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON:
		out, err := json.Marshal(struct {
			Type      string `json:"type"`
			Payload   any    `json:"payload"`
			Timestamp int64  `json:"timestamp"`
		}{eventType, payload, ts})
		if err != nil {
			return nil, fmt.Errorf("codec: encode %s payload: %w", eventType, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("codec: unknown format %d", f)
}

// NowMillis returns the server timestamp used in outbound envelopes.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
