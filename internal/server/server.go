package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/network"
	"github.com/tunecast-project/tunecast/internal/playback"
)

// ElapsedThrottle is the minimum spacing between accepted elapsed ticks.
const ElapsedThrottle = 5 * time.Second

const (
	handlerTrackChanged = "server.trackChanged"
	handlerElapsedTime  = "server.elapsedTime"
)

// Server accepts plain and upgrade requests on the plugin port and pushes
// the current playback info to every upgraded connection.
//
// mu serializes everything that must be ordered against a broadcast:
// store update + fan-out, promotion + initial push, and close-all.
type Server struct {
	mu sync.Mutex

	cfg      *config.Config
	bus      *events.EventBus
	registry *network.ConnectionRegistry
	store    *playback.Store
	logger   zerolog.Logger
	now      func() time.Time

	listener   *network.TCPListener
	state      State
	ready      bool
	listening  bool
	lastTick   time.Time
	broadcasts uint64
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock used to throttle elapsed ticks.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithRegistry supplies the connection registry, letting callers share it
// with status readers.
func WithRegistry(r *network.ConnectionRegistry) Option {
	return func(s *Server) { s.registry = r }
}

// New creates a stopped server. bus may be nil, in which case the server is
// driven only through direct method calls.
func New(cfg *config.Config, bus *events.EventBus, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    bus,
		store:  playback.NewStore(),
		logger: log.With().Str("component", "server").Logger(),
		now:    time.Now,
		state:  StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = network.NewConnectionRegistry()
	}
	return s
}

// Start binds the plugin port if cfg has the plugin enabled. With the
// plugin disabled it returns nil and stays stopped.
func (s *Server) Start(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg != nil {
		s.cfg = cfg
	}
	if s.state != StateStopped {
		return ErrAlreadyRunning
	}

	plugin := s.cfg.GetPlugin()
	if !plugin.Enabled {
		s.logger.Info().Msg("plugin disabled, not listening")
		return nil
	}

	s.state = StateStarting
	listener := network.NewTCPListener(plugin.Addr(), s.registry, s.handleConn)
	if err := listener.Start(ctx); err != nil {
		s.state = StateStopped
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.listener = listener
	s.state = StateListening
	s.ready = true
	s.listening = true
	s.subscribe()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("now-playing server listening")
	return nil
}

func (s *Server) subscribe() {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(events.EventTrackChanged, handlerTrackChanged, s.onTrackChangedEvent)
	s.bus.Subscribe(events.EventElapsedTime, handlerElapsedTime, s.onElapsedEvent)
}

func (s *Server) unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.Unsubscribe(events.EventTrackChanged, handlerTrackChanged)
	s.bus.Unsubscribe(events.EventElapsedTime, handlerElapsedTime)
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines to return. Stopping a stopped server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}

	listener := s.listener
	s.unsubscribe()
	if err := listener.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close listener")
	}
	s.registry.CloseAll()
	s.listener = nil
	s.state = StateStopped
	s.ready = false
	s.listening = false
	s.mu.Unlock()

	// handlers may still be waiting on mu, so wait outside of it
	listener.Wait()
	s.logger.Info().Msg("now-playing server stopped")
}

// OnConfigChange replaces the held config and re-sends the current
// playback info, if any.
func (s *Server) OnConfigChange(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg != nil {
		s.cfg = cfg
	}
	if info, ok := s.store.Current(); ok {
		s.updateLocked(info)
	}
}

// Status returns the current lifecycle state and connection counts.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := ""
	if s.listener != nil {
		if a := s.listener.Addr(); a != nil {
			addr = a.String()
		}
	}
	return statusOf(s.state, s.ready, s.listening, addr, s.broadcasts, s.registry)
}

// Addr returns the bound address, or ErrNotRunning while stopped.
func (s *Server) Addr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return "", ErrNotRunning
	}
	return s.listener.Addr().String(), nil
}

// Registry returns the connection registry.
func (s *Server) Registry() *network.ConnectionRegistry {
	return s.registry
}

// Connections returns one row per registered connection, ordered by id.
func (s *Server) Connections() []network.ConnectionInfo {
	return s.registry.Snapshot()
}

// Current returns the stored playback info, un-padded.
func (s *Server) Current() (playback.Info, bool) {
	return s.store.Current()
}
