package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Handshake errors.
var (
	ErrMissingKey = errors.New("missing Sec-WebSocket-Key header")
	ErrNotUpgrade = errors.New("not an upgrade request")
)

// HandshakeError is returned when an upgrade request has to be rejected.
// Status is the HTTP status written back before the connection is closed.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// AcceptToken computes the Sec-WebSocket-Accept value for a client key.
func AcceptToken(key string) string {
	sum := sha1.Sum([]byte(key + AcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IsUpgradeRequest reports whether req asks to switch protocols: it must
// carry an Upgrade header and list "upgrade" in its Connection header.
func IsUpgradeRequest(req *http.Request) bool {
	if strings.TrimSpace(req.Header.Get("Upgrade")) == "" {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Handshake validates an upgrade request and renders the 101 response.
// An absent or blank key is rejected with a 400.
func Handshake(req *http.Request) ([]byte, error) {
	if !IsUpgradeRequest(req) {
		return nil, &HandshakeError{Err: ErrNotUpgrade, Status: http.StatusBadRequest}
	}

	key := strings.TrimSpace(req.Header.Get(HeaderKey))
	if key == "" {
		return nil, &HandshakeError{Err: ErrMissingKey, Status: http.StatusBadRequest}
	}

	return BuildUpgradeResponse(AcceptToken(key)), nil
}

// BuildUpgradeResponse renders the status line and headers that complete
// the handshake, terminated by the blank line.
func BuildUpgradeResponse(acceptToken string) []byte {
	var sb strings.Builder

	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: " + ProtocolName + "\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString(HeaderAccept + ": " + acceptToken + "\r\n")
	sb.WriteString("\r\n")

	return []byte(sb.String())
}

// RejectResponse renders a minimal error response for a refused upgrade.
func RejectResponse(status int) []byte {
	text := http.StatusText(status)
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
		status, text, len(text), text,
	))
}
