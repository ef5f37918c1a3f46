package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrListenerClosed is returned by Start once the listener has been closed.
var ErrListenerClosed = errors.New("listener closed")

// acceptRetryDelay throttles the accept loop after a transient error.
const acceptRetryDelay = 50 * time.Millisecond

// ConnHandler serves one accepted connection. It runs in its own goroutine
// and owns the connection until it returns.
type ConnHandler func(ctx context.Context, conn *Connection)

// TCPListener accepts connections on the plugin port. Every accepted stream
// gets a fresh identifier and is registered as plain before the handler
// runs.
type TCPListener struct {
	addr     string
	registry *ConnectionRegistry
	handler  ConnHandler

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	wg       sync.WaitGroup
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(addr string, registry *ConnectionRegistry, handler ConnHandler) *TCPListener {
	return &TCPListener{
		addr:     addr,
		registry: registry,
		handler:  handler,
	}
}

// Start binds the listening socket and runs the accept loop in the
// background. It returns once the socket is bound, or with the bind error.
func (l *TCPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closing {
		return ErrListenerClosed
	}

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", l.addr, err)
	}
	l.listener = ln

	log.Info().Str("addr", ln.Addr().String()).Msg("plugin listener started")

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)
	return nil
}

// acceptLoop accepts connections until the listener is closed.
func (l *TCPListener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		rawConn, err := ln.Accept()
		if err != nil {
			if l.isClosing() || errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("plugin listener stopping")
				return
			}
			log.Error().Err(err).Msg("failed to accept connection")
			time.Sleep(acceptRetryDelay)
			continue
		}

		l.mu.Lock()
		if l.closing {
			l.mu.Unlock()
			rawConn.Close()
			return
		}
		id := l.registry.NextID()
		conn := NewConnection(id, rawConn)
		l.registry.Register(KindPlain, id, conn)
		l.wg.Add(1)
		l.mu.Unlock()

		log.Debug().
			Uint64("conn_id", uint64(id)).
			Str("remote", rawConn.RemoteAddr().String()).
			Msg("new connection")

		go func() {
			defer l.wg.Done()
			l.handler(ctx, conn)
		}()
	}
}

func (l *TCPListener) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

// Addr returns the bound address, or nil before Start.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Close stops accepting connections. Connections accepted before Close are
// already registered; connections accepted after it are dropped.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closing {
		return nil
	}
	l.closing = true
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Wait blocks until the accept loop and every connection handler returned.
func (l *TCPListener) Wait() {
	l.wg.Wait()
}
