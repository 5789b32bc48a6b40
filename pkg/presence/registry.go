// Package presence tracks who is connected to a session, where their cursor
// is, and when they were last heard from.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

type entry struct {
	presence state.ClientPresence
	peer     state.Peer
}

// Registry holds at most one presence per connection id. A user may hold
// several connections.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock is NewRegistry with an injectable clock.
func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*entry),
		now:     now,
	}
}

// Join registers peer and returns the new presence. The connection id is the
// peer's id; joining twice with the same peer replaces the entry.
func (r *Registry) Join(userID, displayName string, role state.Role, peer state.Peer) state.ClientPresence {
	now := r.now()
	p := state.ClientPresence{
		ConnectionID: peer.ID(),
		UserID:       userID,
		DisplayName:  displayName,
		Role:         role,
		JoinedAt:     now,
		LastSeenAt:   now,
	}
	r.mu.Lock()
	r.entries[p.ConnectionID] = &entry{presence: p, peer: peer}
	r.mu.Unlock()
	return p
}

// Replace moves the presence of oldID onto peer, keeping identity, role and
// cursor. It is how a resumed connection takes over from a dropped one.
func (r *Registry) Replace(oldID uuid.UUID, peer state.Peer) (state.ClientPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.entries[oldID]
	if !ok {
		return state.ClientPresence{}, state.UnknownConnection("no presence to resume")
	}
	delete(r.entries, oldID)
	p := old.presence
	p.ConnectionID = peer.ID()
	p.LastSeenAt = r.now()
	r.entries[p.ConnectionID] = &entry{presence: p, peer: peer}
	return p, nil
}

// Leave removes the connection. The bool is false if it was not registered.
func (r *Registry) Leave(connID uuid.UUID) (state.ClientPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return state.ClientPresence{}, false
	}
	delete(r.entries, connID)
	return e.presence, true
}

// UpdateCursor stores the cursor, last write wins. It also counts as a
// sign of life.
func (r *Registry) UpdateCursor(connID uuid.UUID, cursor *state.Cursor) (state.ClientPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return state.ClientPresence{}, state.UnknownConnection("cursor from unknown connection")
	}
	if cursor != nil {
		c := *cursor
		cursor = &c
	}
	e.presence.Cursor = cursor
	e.presence.LastSeenAt = r.now()
	return e.presence, nil
}

// Heartbeat only refreshes LastSeenAt.
func (r *Registry) Heartbeat(connID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return state.UnknownConnection("heartbeat from unknown connection")
	}
	e.presence.LastSeenAt = r.now()
	return nil
}

func (r *Registry) SetRole(connID uuid.UUID, role state.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	e.presence.Role = role
	return true
}

func (r *Registry) Get(connID uuid.UUID) (state.ClientPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connID]
	if !ok {
		return state.ClientPresence{}, false
	}
	return e.presence, true
}

func (r *Registry) Peer(connID uuid.UUID) (state.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connID]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns every presence ordered by join time.
func (r *Registry) Snapshot() []state.ClientPresence {
	r.mu.RLock()
	out := make([]state.ClientPresence, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.presence)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID.String() < out[j].ConnectionID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Expired lists connections not heard from within timeout of now.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uuid.UUID
	for id, e := range r.entries {
		if now.Sub(e.presence.LastSeenAt) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// Broadcast sends msg to every connection except the one given.
func (r *Registry) Broadcast(except uuid.UUID, msg []byte) {
	r.mu.RLock()
	peers := make([]state.Peer, 0, len(r.entries))
	for id, e := range r.entries {
		if id != except {
			peers = append(peers, e.peer)
		}
	}
	r.mu.RUnlock()
	for _, p := range peers {
		p.Send(msg)
	}
}

// Send delivers msg to a single connection.
func (r *Registry) Send(connID uuid.UUID, msg []byte) bool {
	p, ok := r.Peer(connID)
	if !ok {
		return false
	}
	p.Send(msg)
	return true
}
