package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/playback"
)

const handlerClockTrack = "clock.trackChanged"

// ElapsedClock derives elapsed playback time from the wall clock for hosts
// that only report track changes. It emits elapsed_time every interval
// while a track is known.
type ElapsedClock struct {
	bus      *events.EventBus
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	started time.Time
	base    float64
	active  bool
}

// NewElapsedClock creates a clock ticking every interval.
func NewElapsedClock(bus *events.EventBus, interval time.Duration) *ElapsedClock {
	if interval <= 0 {
		interval = time.Second
	}
	return &ElapsedClock{
		bus:      bus,
		interval: interval,
		now:      time.Now,
	}
}

// OnTrackChanged restarts the clock from the track's reported position.
func (c *ElapsedClock) OnTrackChanged(info playback.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info.IsEmpty() {
		return
	}
	c.started = c.now()
	c.base = info.ElapsedSeconds
	c.active = true
}

// Elapsed returns the current position of the running track.
func (c *ElapsedClock) Elapsed() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return 0, false
	}
	return c.base + c.now().Sub(c.started).Seconds(), true
}

// Tick emits one elapsed_time event if a track is known.
func (c *ElapsedClock) Tick(ctx context.Context) {
	seconds, ok := c.Elapsed()
	if !ok {
		return
	}
	err := c.bus.EmitSync(ctx, events.Event{
		Type:    events.EventElapsedTime,
		Source:  "clock",
		Payload: events.ElapsedPayload{Seconds: seconds},
	})
	if err != nil {
		log.Debug().Err(err).Msg("elapsed tick handler failed")
	}
}

// Run ticks until ctx is cancelled.
func (c *ElapsedClock) Run(ctx context.Context) {
	c.bus.Subscribe(events.EventTrackChanged, handlerClockTrack, func(_ context.Context, e events.Event) error {
		if info, ok := e.Payload.(playback.Info); ok {
			c.OnTrackChanged(info)
		}
		return nil
	})
	defer c.bus.Unsubscribe(events.EventTrackChanged, handlerClockTrack)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", c.interval).Msg("elapsed clock started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
