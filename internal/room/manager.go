package room

import (
	"log"
	"sort"
	"sync"
	"time"

	"signalhub/internal/bus"
	"signalhub/internal/history"
	"signalhub/internal/registry"
	"signalhub/pkg/types"
)

// Manager owns room metadata and the room lifecycle rules. Membership state
// lives in the registry; the manager serializes every join and leave under
// its own mutex so capacity checks and the leave-then-join policy cannot
// interleave.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*types.Room
	registry *registry.Registry
	history  *history.Store
	bus      *bus.Bus
}

// NewManager creates a manager with the permanent default room in place.
func NewManager(reg *registry.Registry, hist *history.Store, b *bus.Bus) *Manager {
	m := &Manager{
		rooms:    make(map[string]*types.Room),
		registry: reg,
		history:  hist,
		bus:      b,
	}
	m.rooms[types.DefaultRoom] = &types.Room{
		Name:      types.DefaultRoom,
		CreatedAt: time.Now(),
		CreatedBy: "system",
	}
	return m
}

// Create registers a new room and publishes room.created.
func (m *Manager) Create(name string, opts types.RoomOptions, creator string) (*types.Room, error) {
	if !types.IsValidRoomName(name) {
		return nil, ErrInvalidName
	}

	m.mu.Lock()
	if _, exists := m.rooms[name]; exists {
		m.mu.Unlock()
		return nil, ErrRoomExists
	}
	r := &types.Room{
		Name:       name,
		MaxMembers: opts.MaxMembers,
		IsPrivate:  opts.IsPrivate,
		Password:   opts.Password,
		CreatedAt:  time.Now(),
		CreatedBy:  creator,
	}
	m.rooms[name] = r
	m.mu.Unlock()

	log.Printf("Created room: name=%s private=%v max_members=%d by=%s", name, opts.IsPrivate, opts.MaxMembers, creator)
	m.bus.Publish(bus.TopicRoomCreated, name, map[string]any{
		"room":         name,
		"created_by":   creator,
		"is_private":   opts.IsPrivate,
		"max_members":  opts.MaxMembers,
		"member_count": 0,
	})
	return r, nil
}

// Delete removes a room. The default room is protected. Still-joined
// connections are notified through the room.deleted event before they are
// force-left, and the room's history is purged. Returns false when the room
// does not exist.
func (m *Manager) Delete(name, actor string) (bool, error) {
	if name == types.DefaultRoom {
		return false, ErrProtectedRoom
	}

	m.mu.Lock()
	_, exists := m.rooms[name]
	if !exists {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.rooms, name)
	m.mu.Unlock()

	// Notify members while they are still joined, then detach them.
	members := m.registry.ListByRoom(name)
	m.bus.Publish(bus.TopicRoomDeleted, name, map[string]any{
		"room":         name,
		"deleted_by":   actor,
		"member_count": len(members),
	})
	for _, conn := range members {
		if _, err := m.registry.RemoveFromRoom(conn.ID, name); err != nil {
			log.Printf("Failed to detach %s from deleted room %s: %v", conn.ID, name, err)
		}
	}
	m.history.Purge(name)

	log.Printf("Deleted room: name=%s members_detached=%d by=%s", name, len(members), actor)
	return true, nil
}

// Get returns a room's metadata.
func (m *Manager) Get(name string) (*types.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.rooms[name]
	return r, exists
}

// List returns all rooms sorted by name.
func (m *Manager) List() []*types.Room {
	m.mu.RLock()
	out := make([]*types.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Authorize checks whether a client may enter the room with the supplied
// password. A full room denies new members; members already inside always
// pass.
func (m *Manager) Authorize(clientID, name, password string) error {
	m.mu.RLock()
	r, exists := m.rooms[name]
	m.mu.RUnlock()

	if !exists {
		return ErrRoomNotFound
	}
	if r.IsPrivate && r.Password != "" && r.Password != password {
		return ErrWrongPassword
	}
	if r.MaxMembers > 0 && !m.registry.IsMember(clientID, name) &&
		m.registry.MemberCount(name) >= r.MaxMembers {
		return ErrRoomFull
	}
	return nil
}

// Join places a connection in the room and publishes client.joined with the
// updated member count. A connection may occupy the default room plus at
// most one other room; joining a second non-default room leaves the first.
func (m *Manager) Join(connID, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinLocked(connID, name)
}

func (m *Manager) joinLocked(connID, name string) (int, error) {
	r, exists := m.rooms[name]
	if !exists {
		return 0, ErrRoomNotFound
	}

	if r.MaxMembers > 0 && !m.registry.IsMember(connID, name) &&
		m.registry.MemberCount(name) >= r.MaxMembers {
		return 0, ErrRoomFull
	}

	if name != types.DefaultRoom {
		if conn, ok := m.registry.Get(connID); ok {
			for _, prev := range conn.Rooms {
				if prev != types.DefaultRoom && prev != name {
					m.leaveLocked(connID, prev)
				}
			}
		}
	}

	count, err := m.registry.AddToRoom(connID, name)
	if err != nil {
		return 0, err
	}

	m.bus.Publish(bus.TopicClientJoined, name, map[string]any{
		"client_id":    connID,
		"room":         name,
		"member_count": count,
	})
	return count, nil
}

// Leave removes a connection from the room and publishes client.left.
// Leaving the default room always fails.
func (m *Manager) Leave(connID, name string) (int, error) {
	if name == types.DefaultRoom {
		return 0, ErrProtectedRoom
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, name)
}

func (m *Manager) leaveLocked(connID, name string) (int, error) {
	count, err := m.registry.RemoveFromRoom(connID, name)
	if err != nil {
		return count, err
	}

	m.bus.Publish(bus.TopicClientLeft, name, map[string]any{
		"client_id":    connID,
		"room":         name,
		"member_count": count,
	})
	return count, nil
}

// Disconnect unregisters a connection and publishes client.left for every
// room it occupied, keeping listeners' member counts accurate.
func (m *Manager) Disconnect(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.registry.Unregister(connID)
	for _, name := range rooms {
		m.bus.Publish(bus.TopicClientLeft, name, map[string]any{
			"client_id":    connID,
			"room":         name,
			"member_count": m.registry.MemberCount(name),
		})
	}
	return rooms
}

// Stats returns room counters for monitoring.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{"total_rooms": len(m.rooms)}
}
