// Package events defines the event types exchanged between the plugin and
// its host, and the bus that carries them.
package events

import "github.com/tunecast-project/tunecast/internal/playback"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Playback events supplied by the host. track_changed carries a
	// playback.Info, elapsed_time an ElapsedPayload.
	EventTrackChanged EventType = "track_changed"
	EventElapsedTime  EventType = "elapsed_time"

	// Emitted by the server after every frame fan-out
	EventPlaybackBroadcast EventType = "playback_broadcast"

	// Host events
	EventConfigChanged EventType = "config_changed"
	EventPluginEnable  EventType = "plugin_enable"
	EventPluginDisable EventType = "plugin_disable"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ElapsedPayload carries the elapsed playback time of the current track.
type ElapsedPayload struct {
	Seconds float64 `json:"seconds"`
}

// BroadcastPayload describes one fan-out of the current playback info.
type BroadcastPayload struct {
	Info       playback.Info
	Recipients int
	Failed     int
}
