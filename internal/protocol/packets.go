// Package protocol implements the server side of the WebSocket wire format
// used by tunecast: the upgrade handshake and the encoding of outbound text
// frames. Frames are big-endian and never masked in the server-to-client
// direction. Inbound frames are not decoded.
package protocol

// Frame header bits.
const (
	FinBit     byte = 0x80 // Final fragment
	OpcodeText byte = 0x01 // Text frame

	// TextFrameHeader is the first byte of every frame the server writes:
	// FIN set, opcode text.
	TextFrameHeader = FinBit | OpcodeText
)

// Payload length encoding.
const (
	// MaxShortPayload is the largest payload length stored directly in the
	// second header byte.
	MaxShortPayload = 125

	// ExtendedLength16 marks a 16-bit big-endian length following the
	// second header byte.
	ExtendedLength16 byte = 126

	// MaxPayloadSize is the largest payload the 16-bit length can describe.
	// Larger payloads are not supported.
	MaxPayloadSize = 65535
)

// Handshake constants.
const (
	// AcceptGUID is appended to the client key before hashing (RFC 6455 §1.3).
	AcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// ProtocolName is the value of the Upgrade header.
	ProtocolName = "websocket"

	HeaderKey    = "Sec-WebSocket-Key"
	HeaderAccept = "Sec-WebSocket-Accept"
)
