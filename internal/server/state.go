// Package server implements the now-playing broadcast server: the listener
// lifecycle, the per-connection request handling and the fan-out of
// playback updates to upgraded clients.
package server

import (
	"errors"

	"github.com/tunecast-project/tunecast/internal/network"
)

var (
	// ErrAlreadyRunning is returned by Start while the server is listening.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotRunning is returned by operations that need a bound listener.
	ErrNotRunning = errors.New("server not running")
)

// State is the lifecycle state of the server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateListening
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the server.
type Status struct {
	State               string `json:"state"`
	Ready               bool   `json:"ready"`
	Listening           bool   `json:"listening"`
	Addr                string `json:"addr,omitempty"`
	PlainConnections    int    `json:"plain_connections"`
	UpgradedConnections int    `json:"upgraded_connections"`
	Broadcasts          uint64 `json:"broadcasts"`
}

// statusOf fills the connection counts from the registry.
func statusOf(state State, ready, listening bool, addr string, broadcasts uint64, r *network.ConnectionRegistry) Status {
	return Status{
		State:               state.String(),
		Ready:               ready,
		Listening:           listening,
		Addr:                addr,
		PlainConnections:    r.Count(network.KindPlain),
		UpgradedConnections: r.Count(network.KindUpgraded),
		Broadcasts:          broadcasts,
	}
}
