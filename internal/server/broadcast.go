package server

import (
	"context"
	"fmt"

	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/network"
	"github.com/tunecast-project/tunecast/internal/playback"
	"github.com/tunecast-project/tunecast/internal/protocol"
)

// playbackFrame is the envelope pushed to upgraded clients.
type playbackFrame struct {
	PlaybackInfo *playback.Info `json:"playbackInfo"`
}

// songResponse is the body of the plain HTTP read.
type songResponse struct {
	SongInfo *playback.Info `json:"songInfo"`
}

// Update stores info as the current playback info and broadcasts it to
// every upgraded connection. Info with both title and artist empty is
// ignored. Before the listener is bound the info is stored but not sent.
func (s *Server) Update(info playback.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked(info)
}

func (s *Server) updateLocked(info playback.Info) {
	if info.IsEmpty() {
		s.logger.Debug().Msg("ignoring empty playback info")
		return
	}

	s.store.Set(info)
	if !s.ready {
		return
	}

	normalized := playback.Normalize(info)
	frame, err := protocol.EncodeTextFrame(playbackFrame{PlaybackInfo: &normalized})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode playback frame")
		return
	}

	recipients := s.registry.Count(network.KindUpgraded)
	// Send only queues the frame, so a peer that stopped reading cannot
	// hold mu.
	failed := s.registry.ForEachOpen(network.KindUpgraded, func(_ network.ConnID, conn *network.Connection) error {
		return conn.Send(frame)
	})
	s.broadcasts++

	s.logger.Debug().
		Str("title", info.Title).
		Str("artist", info.Artist).
		Int("recipients", recipients).
		Int("failed", failed).
		Int("bytes", len(frame)).
		Msg("playback info broadcast")

	if s.bus != nil {
		s.bus.Emit(context.Background(), events.Event{
			Type:   events.EventPlaybackBroadcast,
			Source: "server",
			Payload: events.BroadcastPayload{
				Info:       normalized,
				Recipients: recipients,
				Failed:     failed,
			},
		})
	}
}

// OnTrackChanged replaces the current playback info.
func (s *Server) OnTrackChanged(info playback.Info) {
	s.Update(info)
}

// OnElapsedTick sets the elapsed time on the last known info and sends it
// again. Ticks closer than ElapsedThrottle to the last accepted one are
// dropped. It reports whether the tick was applied.
func (s *Server) OnElapsedTick(seconds float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.store.Current()
	if !ok {
		return false
	}

	now := s.now()
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < ElapsedThrottle {
		s.logger.Trace().Float64("seconds", seconds).Msg("elapsed tick throttled")
		return false
	}
	s.lastTick = now

	info.ElapsedSeconds = seconds
	s.updateLocked(info)
	return true
}

// currentFrameLocked encodes the frame sent right after a handshake: the
// normalized current info, or null before the first update.
func (s *Server) currentFrameLocked() ([]byte, error) {
	var msg playbackFrame
	if info, ok := s.store.Current(); ok {
		normalized := playback.Normalize(info)
		msg.PlaybackInfo = &normalized
	}
	return protocol.EncodeTextFrame(msg)
}

// currentSongBody encodes the JSON body of the plain read. The raw stored
// info is returned, without display padding.
func (s *Server) currentSongBody() ([]byte, error) {
	return protocol.MarshalJSON(songResponse{SongInfo: s.store.Snapshot()})
}

func (s *Server) onTrackChangedEvent(_ context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case playback.Info:
		s.OnTrackChanged(p)
	case *playback.Info:
		if p != nil {
			s.OnTrackChanged(*p)
		}
	default:
		return fmt.Errorf("unexpected track_changed payload %T", e.Payload)
	}
	return nil
}

func (s *Server) onElapsedEvent(_ context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.ElapsedPayload:
		s.OnElapsedTick(p.Seconds)
	case float64:
		s.OnElapsedTick(p)
	default:
		return fmt.Errorf("unexpected elapsed_time payload %T", e.Payload)
	}
	return nil
}
