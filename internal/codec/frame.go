package codec

import "sync"

// Frame is an immutable outbound event. Its bytes are produced at most once
// per format, so a fanout to many recipients encodes the event once (or twice
// when recipients use both formats).
type Frame struct {
	Type      string
	Payload   any
	Timestamp int64

	once [2]sync.Once
	data [2][]byte
	err  [2]error
}

// NewFrame builds a frame stamped with the current server time.
func NewFrame(eventType string, payload any) *Frame {
	return &Frame{Type: eventType, Payload: payload, Timestamp: NowMillis()}
}

// Bytes returns the encoded frame for the given format. The returned slice is
// shared between callers and must not be modified.
func (f *Frame) Bytes(format Format) ([]byte, error) {
	i := 0
	if format == FormatJSON {
		i = 1
	} else {
		format = FormatBinary
	}
	f.once[i].Do(func() {
		f.data[i], f.err[i] = Encode(format, f.Type, f.Payload, f.Timestamp)
	})
	return f.data[i], f.err[i]
}
