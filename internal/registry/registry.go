package registry

import (
	"sync"
	"time"

	"signalhub/pkg/types"
)

// Pusher delivers an outbound frame to a single connection. Gateway
// connections implement it; tests substitute lightweight fakes.
type Pusher interface {
	Push(v any) error
}

// Meta carries the transport-supplied facts about a connection at accept
// time.
type Meta struct {
	Principal  *types.Principal
	UserAgent  string
	RemoteAddr string
	Pusher     Pusher
}

// Connection is a point-in-time snapshot of a registered connection.
// Rooms preserves join order, the default room first.
type Connection struct {
	ID             string           `json:"id"`
	Principal      *types.Principal `json:"principal,omitempty"`
	UserAgent      string           `json:"user_agent,omitempty"`
	RemoteAddr     string           `json:"remote_addr,omitempty"`
	Rooms          []string         `json:"rooms"`
	ConnectedAt    time.Time        `json:"connected_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

type entry struct {
	Connection
	pusher Pusher
}

// Registry is the authoritative map of connection id to connection state,
// with a room-to-members index so room broadcasts do not scan every
// connection. Both sides of the index mutate under one mutex, which is what
// keeps a connection's room list and the room member sets in agreement.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	byRoom map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		byRoom: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection. Every live connection starts in, and remains
// a member of, the default room.
func (r *Registry) Register(id string, meta Meta) Connection {
	now := time.Now()
	e := &entry{
		Connection: Connection{
			ID:             id,
			Principal:      meta.Principal,
			UserAgent:      meta.UserAgent,
			RemoteAddr:     meta.RemoteAddr,
			Rooms:          []string{types.DefaultRoom},
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		pusher: meta.Pusher,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[id] = e
	r.indexLocked(types.DefaultRoom, id)
	return e.snapshot()
}

// Unregister removes a connection from the registry and from every room it
// was in, returning the rooms it occupied so the caller can publish a left
// event per room. Idempotent; returns nil for unknown ids.
func (r *Registry) Unregister(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[id]
	if !exists {
		return nil
	}
	rooms := append([]string(nil), e.Rooms...)
	for _, room := range rooms {
		r.unindexLocked(room, id)
	}
	delete(r.conns, id)
	return rooms
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.conns[id]
	if !exists {
		return Connection{}, false
	}
	return e.snapshot(), true
}

// Touch updates the connection's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.conns[id]; exists {
		e.LastActivityAt = time.Now()
	}
}

// ListAll returns snapshots of every live connection.
func (r *Registry) ListAll() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.snapshot())
	}
	return out
}

// ListByRoom returns snapshots of the room's current members.
func (r *Registry) ListByRoom(room string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[room]
	out := make([]Connection, 0, len(members))
	for id := range members {
		if e, exists := r.conns[id]; exists {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// AddToRoom records room membership on both sides of the index and returns
// the room's member count after the join.
func (r *Registry) AddToRoom(id, room string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[id]
	if !exists {
		return 0, ErrNotRegistered
	}
	if !contains(e.Rooms, room) {
		e.Rooms = append(e.Rooms, room)
	}
	r.indexLocked(room, id)
	return len(r.byRoom[room]), nil
}

// RemoveFromRoom clears room membership on both sides of the index and
// returns the room's member count after the leave.
func (r *Registry) RemoveFromRoom(id, room string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conns[id]
	if !exists {
		return 0, ErrNotRegistered
	}
	if !contains(e.Rooms, room) {
		return len(r.byRoom[room]), ErrNotMember
	}
	e.Rooms = remove(e.Rooms, room)
	r.unindexLocked(room, id)
	return len(r.byRoom[room]), nil
}

// MemberCount reports the room's live member count.
func (r *Registry) MemberCount(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[room])
}

// IsMember reports whether the connection is currently in the room.
func (r *Registry) IsMember(id, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, exists := r.byRoom[room]
	if !exists {
		return false
	}
	_, ok := members[id]
	return ok
}

// Push delivers a frame to a single connection.
func (r *Registry) Push(id string, v any) error {
	r.mu.RLock()
	e, exists := r.conns[id]
	r.mu.RUnlock()

	if !exists || e.pusher == nil {
		return ErrNotRegistered
	}
	return e.pusher.Push(v)
}

// BroadcastRoom pushes a frame to every member of a room except excludeID,
// and returns how many deliveries succeeded. Per-member failures are
// swallowed so one dead socket cannot stall the fan-out.
func (r *Registry) BroadcastRoom(room string, v any, excludeID string) int {
	r.mu.RLock()
	pushers := make([]Pusher, 0, len(r.byRoom[room]))
	for id := range r.byRoom[room] {
		if id == excludeID {
			continue
		}
		if e, exists := r.conns[id]; exists && e.pusher != nil {
			pushers = append(pushers, e.pusher)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, p := range pushers {
		if err := p.Push(v); err == nil {
			sent++
		}
	}
	return sent
}

// Stats returns registry counters for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.conns),
		"indexed_rooms":     len(r.byRoom),
	}
}

func (r *Registry) indexLocked(room, id string) {
	if r.byRoom[room] == nil {
		r.byRoom[room] = make(map[string]struct{})
	}
	r.byRoom[room][id] = struct{}{}
}

func (r *Registry) unindexLocked(room, id string) {
	if members, exists := r.byRoom[room]; exists {
		delete(members, id)
		if len(members) == 0 {
			delete(r.byRoom, room)
		}
	}
}

func (e *entry) snapshot() Connection {
	c := e.Connection
	c.Rooms = append([]string(nil), e.Rooms...)
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
