package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/tunecast-project/tunecast/internal/network"
	"github.com/tunecast-project/tunecast/internal/protocol"
)

// discardBufferSize bounds each read of ignored client frames.
const discardBufferSize = 4096

// handleConn serves one accepted connection. The connection starts in the
// plain map; it answers JSON reads until the peer closes or asks to
// upgrade.
func (s *Server) handleConn(_ context.Context, conn *network.Connection) {
	logger := conn.Logger()

	for {
		req, err := protocol.ReadRequest(conn.Reader())
		if err != nil {
			if isClosedErr(err) {
				logger.Debug().Msg("peer closed connection")
			} else {
				logger.Debug().Err(err).Msg("malformed request, closing")
			}
			s.drop(network.KindPlain, conn)
			return
		}
		conn.Touch()

		if protocol.IsUpgradeRequest(req) {
			s.serveUpgrade(conn, req)
			return
		}

		body, err := s.currentSongBody()
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode song info")
			s.drop(network.KindPlain, conn)
			return
		}
		if err := conn.Write(protocol.BuildJSONResponse(body)); err != nil {
			logger.Debug().Err(err).Msg("failed to write response")
			s.drop(network.KindPlain, conn)
			return
		}

		logger.Trace().Str("path", req.URL.Path).Msg("served song info")

		if protocol.WantsClose(req) {
			s.drop(network.KindPlain, conn)
			return
		}
	}
}

// serveUpgrade completes the handshake, moves the connection to the
// upgraded map with the current state frame as its first message, then
// discards whatever the client sends until it closes.
func (s *Server) serveUpgrade(conn *network.Connection, req *http.Request) {
	logger := conn.Logger()

	resp, err := protocol.Handshake(req)
	if err != nil {
		status := http.StatusBadRequest
		var herr *protocol.HandshakeError
		if errors.As(err, &herr) {
			status = herr.Status
		}
		logger.Warn().Err(err).Msg("rejecting upgrade")
		if err := conn.Write(protocol.RejectResponse(status)); err != nil {
			logger.Debug().Err(err).Msg("failed to write rejection")
		}
		s.drop(network.KindPlain, conn)
		return
	}

	if err := conn.Write(resp); err != nil {
		logger.Debug().Err(err).Msg("failed to write handshake response")
		s.drop(network.KindPlain, conn)
		return
	}

	if !s.promote(conn) {
		conn.Close()
		return
	}
	logger.Debug().Msg("upgrade complete")

	buf := make([]byte, discardBufferSize)
	for {
		n, err := conn.Reader().Read(buf)
		if n > 0 {
			conn.Touch()
			logger.Debug().Int("bytes", n).Msg("discarding client frame data")
		}
		if err != nil {
			if !isClosedErr(err) {
				logger.Debug().Err(err).Msg("read failed")
			}
			break
		}
	}

	s.drop(network.KindUpgraded, conn)
}

// promote moves conn to the upgraded map and queues the current state
// frame, both under mu so no broadcast can overtake the first frame. It
// returns false when the server stopped in the meantime.
func (s *Server) promote(conn *network.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Promote(conn.ID()) {
		return false
	}

	frame, err := s.currentFrameLocked()
	if err != nil {
		conn.Logger().Error().Err(err).Msg("failed to encode initial frame")
		return true
	}
	if err := conn.Send(frame); err != nil {
		conn.Logger().Warn().Err(err).Msg("failed to queue initial frame")
	}
	return true
}

// drop unregisters and closes conn.
func (s *Server) drop(kind network.Kind, conn *network.Connection) {
	s.registry.Unregister(kind, conn.ID())
	conn.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
