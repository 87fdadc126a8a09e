package history

import (
	"strings"
	"sync"
	"time"

	"signalhub/pkg/types"
)

// DefaultCapacity is the per-room message retention ceiling.
const DefaultCapacity = 100

// Store keeps a bounded window of recent messages per room. Oldest messages
// are evicted first once a room exceeds capacity.
type Store struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[string][]*types.Message
}

// NewStore creates a store with the given per-room capacity; zero or
// negative falls back to DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		rooms:    make(map[string][]*types.Message),
	}
}

// Append pushes a message onto the room's tail, evicting from the head when
// the room is over capacity.
func (s *Store) Append(room string, msg *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.rooms[room], msg)
	if len(msgs) > s.capacity {
		msgs = msgs[len(msgs)-s.capacity:]
	}
	s.rooms[room] = msgs
}

// Recent returns the last limit messages in chronological order. limit <= 0
// returns everything retained for the room.
func (s *Store) Recent(room string, limit int) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[room]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]*types.Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out
}

// Search returns up to limit messages whose body or sender id contains the
// query, case-insensitively, preferring the most recent matches. The result
// stays in chronological order.
func (s *Store) Search(room, query string, limit int) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var matches []*types.Message
	for _, msg := range s.rooms[room] {
		if strings.Contains(strings.ToLower(msg.Body), q) ||
			strings.Contains(strings.ToLower(msg.SenderID), q) {
			matches = append(matches, msg)
		}
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

// Purge drops all retained messages for a room. Used on room deletion.
func (s *Store) Purge(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

// PurgeOlderThan removes messages timestamped before cutoff across all
// rooms and returns the total removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for room, msgs := range s.rooms {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.Timestamp.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, msg)
			}
		}
		if len(kept) == 0 {
			delete(s.rooms, room)
		} else {
			s.rooms[room] = kept
		}
	}
	return removed
}

// Len reports how many messages are retained for a room.
func (s *Store) Len(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Stats returns store counters for monitoring.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, msgs := range s.rooms {
		total += len(msgs)
	}
	return map[string]int{
		"rooms_with_history": len(s.rooms),
		"total_messages":     total,
	}
}
