package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FrameBuilder assembles a single outbound text frame.
type FrameBuilder struct {
	buf bytes.Buffer
}

// NewFrameBuilder creates a new FrameBuilder.
func NewFrameBuilder() *FrameBuilder {
	return &FrameBuilder{}
}

// Reset clears the builder for reuse.
func (b *FrameBuilder) Reset() {
	b.buf.Reset()
}

// WriteText writes a complete final text frame carrying payload.
//
// Payloads of up to 125 bytes store their length in the second header byte.
// Anything longer uses the 126 marker followed by a 16-bit big-endian length,
// so payloads over 65535 bytes get a wrapped length.
func (b *FrameBuilder) WriteText(payload []byte) *FrameBuilder {
	b.buf.WriteByte(TextFrameHeader)

	n := len(payload)
	if n <= MaxShortPayload {
		b.buf.WriteByte(byte(n))
	} else {
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		b.buf.WriteByte(ExtendedLength16)
		b.buf.Write(ext[:])
	}

	b.buf.Write(payload)
	return b
}

// Build returns the constructed frame bytes.
func (b *FrameBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Len returns the current size of the frame being built.
func (b *FrameBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current frame for debugging.
func (b *FrameBuilder) String() string {
	return fmt.Sprintf("FrameBuilder[%d bytes]: %x", b.buf.Len(), b.buf.Bytes())
}

// EncodeTextFrame marshals v as JSON and wraps it in one unmasked final
// text frame.
func EncodeTextFrame(v any) ([]byte, error) {
	payload, err := MarshalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame payload: %w", err)
	}
	return NewFrameBuilder().WriteText(payload).Build(), nil
}

// MarshalJSON encodes v without HTML escaping and without the trailing
// newline json.Encoder appends.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// PayloadOffset returns where the payload starts in a frame whose payload is
// n bytes long.
func PayloadOffset(n int) int {
	if n <= MaxShortPayload {
		return 2
	}
	return 4
}
