package ratelimit

import (
	"sync"
	"time"
)

// Category selects which limit applies to an action.
type Category string

const (
	// CategoryConnection guards handshake acceptance.
	CategoryConnection Category = "connection"
	// CategoryMessage guards send_message.
	CategoryMessage Category = "message"
	// CategoryEvent guards all other named protocol operations; callers
	// key it per (client, event-name) pair.
	CategoryEvent Category = "event"
)

// Limits holds the per-window ceiling for each category.
type Limits struct {
	Connection int
	Message    int
	Event      int
	Window     time.Duration
}

// DefaultLimits returns the production defaults: 10 connections, 60 messages
// and 100 generic events per client per minute.
func DefaultLimits() Limits {
	return Limits{
		Connection: 10,
		Message:    60,
		Event:      100,
		Window:     time.Minute,
	}
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter implements fixed-window counting per (client key, category).
// Windows reset wholesale when their deadline passes; a denied client stays
// denied for the remainder of the window.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	windows map[string]*window
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(limits Limits) *Limiter {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &Limiter{
		limits:  limits,
		windows: make(map[string]*window),
	}
}

func (l *Limiter) limitFor(cat Category) int {
	switch cat {
	case CategoryConnection:
		return l.limits.Connection
	case CategoryMessage:
		return l.limits.Message
	default:
		return l.limits.Event
	}
}

// Allow records one action for clientKey under the category and reports
// whether it is within the window's limit. The first action of a window
// always passes; once the limit is reached the count stops advancing until
// the window resets.
func (l *Limiter) Allow(clientKey string, cat Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	key := string(cat) + "|" + clientKey

	w, exists := l.windows[key]
	if !exists || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.limits.Window)}
		return true
	}

	if w.count >= l.limitFor(cat) {
		return false
	}
	w.count++
	return true
}

// Cleanup removes windows whose reset deadline has passed and returns how
// many were dropped. The surrounding scheduler calls this periodically; the
// limiter never sweeps on its own.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// ActiveWindows reports the number of tracked windows, for stats endpoints.
func (l *Limiter) ActiveWindows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
