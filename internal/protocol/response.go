package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReadRequest reads one HTTP/1.x request head from r. Any request body is
// drained so the next request on a keep-alive connection starts cleanly.
func ReadRequest(r *bufio.Reader) (*http.Request, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	if req.Body != nil {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	return req, nil
}

// WantsClose reports whether the connection should be closed after
// answering req.
func WantsClose(req *http.Request) bool {
	if req.Close {
		return true
	}
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return !strings.EqualFold(req.Header.Get("Connection"), "keep-alive")
	}
	return false
}

// BuildJSONResponse renders a 200 response carrying body as JSON, readable
// from any origin.
func BuildJSONResponse(body []byte) []byte {
	var sb strings.Builder

	sb.WriteString("HTTP/1.1 200 OK\r\n")
	sb.WriteString("Content-Type: application/json\r\n")
	sb.WriteString("Access-Control-Allow-Origin: *\r\n")
	sb.WriteString(fmt.Sprintf("Content-Length: %d\r\n", len(body)))
	sb.WriteString("\r\n")
	sb.Write(body)

	return []byte(sb.String())
}
