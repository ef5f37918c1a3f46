// Package network implements the listening socket, the per-connection
// stream wrapper and the registry of plain and upgraded connections.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConnID identifies an accepted connection for the lifetime of the process.
type ConnID uint64

// Kind tells which registry map a connection lives in.
type Kind int

const (
	KindPlain Kind = iota
	KindUpgraded
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindUpgraded:
		return "upgraded"
	default:
		return "unknown"
	}
}

// WriteTimeout bounds every write to a peer. A peer that stops reading
// fails the write instead of holding the connection forever.
const WriteTimeout = 10 * time.Second

// SendQueueSize is how many frames may wait for a slow peer before Send
// starts dropping them.
const SendQueueSize = 16

var (
	// ErrConnClosed is returned by writes to a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned by Send when the peer is not keeping up.
	ErrSendQueueFull = errors.New("send queue full")
)

// Connection wraps an accepted TCP stream. Writes are serialized by wmu so
// frames issued to one connection go out in issue order. Close never waits
// on wmu: closing the socket is what unblocks a stuck write.
type Connection struct {
	id     ConnID
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	wmu          sync.Mutex
	writeTimeout time.Duration

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time

	closed    atomic.Bool
	done      chan struct{}
	sendq     chan []byte
	startSend sync.Once
}

// NewConnection wraps an existing net.Conn.
func NewConnection(id ConnID, conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		id:           id,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: WriteTimeout,
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
		sendq:        make(chan []byte, SendQueueSize),
		logger: log.With().
			Str("component", "connection").
			Uint64("conn_id", uint64(id)).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() ConnID {
	return c.id
}

// Reader returns the buffered reader over the stream. Only the goroutine
// serving the connection reads from it.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// SetWriteTimeout replaces the per-write deadline. Zero disables it.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// Write sends data as a single write and blocks until it is written, the
// write deadline passes or the connection is closed.
func (c *Connection) Write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("connection %d: %w", c.id, ErrConnClosed)
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to connection %d: %w", c.id, err)
	}

	c.Touch()
	return nil
}

// Send queues data for the connection's writer goroutine and returns
// without waiting for the peer. Frames are written in Send order. When the
// queue is full the frame is dropped and ErrSendQueueFull returned.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("connection %d: %w", c.id, ErrConnClosed)
	}
	c.startSend.Do(func() { go c.writeLoop() })

	select {
	case c.sendq <- data:
		return nil
	default:
		return fmt.Errorf("connection %d: %w", c.id, ErrSendQueueFull)
	}
}

// writeLoop drains the send queue until the connection closes. A failed
// write may have left half a frame on the wire, so it closes the stream;
// the serving goroutine then sees the read error and unregisters it.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendq:
			if err := c.Write(data); err != nil {
				if !c.closed.Load() {
					c.logger.Warn().Err(err).Msg("queued write failed, closing")
					c.Close()
				}
				return
			}
		}
	}
}

// Touch records read activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Close closes the underlying stream, unblocking any write in progress.
// Closing twice is a no-op.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
