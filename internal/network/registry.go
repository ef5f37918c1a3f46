package network

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionInfo is a read-only view of a registry entry.
type ConnectionInfo struct {
	ID           ConnID    `json:"id"`
	Kind         string    `json:"kind"`
	Remote       string    `json:"remote"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ConnectionRegistry tracks open plain and upgraded connections in two
// separate maps. Identifiers come from one shared counter, so they are
// unique across both kinds.
type ConnectionRegistry struct {
	nextID atomic.Uint64

	mu       sync.RWMutex
	plain    map[ConnID]*Connection
	upgraded map[ConnID]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		plain:    make(map[ConnID]*Connection),
		upgraded: make(map[ConnID]*Connection),
	}
}

// NextID allocates the next connection identifier. Identifiers start at 1
// and are never reused.
func (r *ConnectionRegistry) NextID() ConnID {
	return ConnID(r.nextID.Add(1))
}

func (r *ConnectionRegistry) table(kind Kind) map[ConnID]*Connection {
	if kind == KindUpgraded {
		return r.upgraded
	}
	return r.plain
}

// Register adds a connection under kind. An existing entry with the same id
// is overwritten.
func (r *ConnectionRegistry) Register(kind Kind, id ConnID, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.table(kind)[id] = conn
	log.Debug().Uint64("conn_id", uint64(id)).Str("kind", kind.String()).Msg("connection registered")
}

// Unregister removes a connection. Removing an absent id is a no-op.
func (r *ConnectionRegistry) Unregister(kind Kind, id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.table(kind)
	if _, ok := table[id]; ok {
		delete(table, id)
		log.Debug().Uint64("conn_id", uint64(id)).Str("kind", kind.String()).Msg("connection unregistered")
	}
}

// Promote moves a connection from the plain map to the upgraded map,
// keeping its identifier. It reports false if id was not a plain entry.
func (r *ConnectionRegistry) Promote(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.plain[id]
	if !ok {
		return false
	}
	delete(r.plain, id)
	r.upgraded[id] = conn
	log.Debug().Uint64("conn_id", uint64(id)).Msg("connection upgraded")
	return true
}

// Get returns the connection registered under kind and id.
func (r *ConnectionRegistry) Get(kind Kind, id ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.table(kind)[id]
	return conn, ok
}

// ForEachOpen calls fn for every connection of kind. The iteration runs on
// a snapshot, so fn may cause entries to be unregistered. An error from fn
// is logged and does not stop delivery to the remaining connections. It
// returns the number of connections fn failed on.
func (r *ConnectionRegistry) ForEachOpen(kind Kind, fn func(id ConnID, conn *Connection) error) int {
	r.mu.RLock()
	snapshot := make(map[ConnID]*Connection, len(r.table(kind)))
	for id, conn := range r.table(kind) {
		snapshot[id] = conn
	}
	r.mu.RUnlock()

	failed := 0
	for id, conn := range snapshot {
		if err := fn(id, conn); err != nil {
			failed++
			log.Warn().Err(err).Uint64("conn_id", uint64(id)).Str("kind", kind.String()).Msg("connection callback failed")
		}
	}
	return failed
}

// Count returns the number of registered connections of kind.
func (r *ConnectionRegistry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table(kind))
}

// Snapshot returns info rows for every registered connection, ordered by id.
func (r *ConnectionRegistry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := make([]ConnectionInfo, 0, len(r.plain)+len(r.upgraded))
	for _, kind := range []Kind{KindPlain, KindUpgraded} {
		for id, conn := range r.table(kind) {
			rows = append(rows, ConnectionInfo{
				ID:           id,
				Kind:         kind.String(),
				Remote:       conn.RemoteAddr().String(),
				ConnectedAt:  conn.ConnectedAt(),
				LastActivity: conn.LastActivity(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// CloseAll force-closes every registered connection of both kinds and
// clears both maps.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := 0
	for _, table := range []map[ConnID]*Connection{r.plain, r.upgraded} {
		for id, conn := range table {
			conn.Close()
			delete(table, id)
			closed++
		}
	}

	log.Info().Int("closed", closed).Msg("all connections closed")
}
