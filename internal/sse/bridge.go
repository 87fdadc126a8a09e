// Package sse mirrors the internal event stream onto long-lived HTTP
// server-push connections.
package sse

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalhub/internal/bus"
	"signalhub/internal/config"
	"signalhub/pkg/types"
)

// DefaultTopic is the baseline subscription every stream starts with.
const DefaultTopic = "system"

// retryMillis is advertised to clients as the reconnect delay.
const retryMillis = 5000

// event is one serialized occurrence on its way to a stream.
type event struct {
	ID    uint64
	Topic string
	Data  any
}

// StoredEvent is a replayable history entry for one topic.
type StoredEvent struct {
	ID        uint64    `json:"id"`
	Topic     string    `json:"topic"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Connection is the bridge-side state for one open stream.
type Connection struct {
	ID             string           `json:"id"`
	Principal      *types.Principal `json:"principal,omitempty"`
	ConnectedAt    time.Time        `json:"connected_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	Subscriptions  []string         `json:"subscriptions"`
}

type stream struct {
	id             string
	principal      *types.Principal
	connectedAt    time.Time
	lastActivityAt time.Time
	subscriptions  map[string]struct{}
	send           chan event
	done           chan struct{}
	closeOnce      sync.Once
}

func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Bridge owns all SSE streams, subscribes to the broadcast bus so HTTP
// subscribers observe the same timeline the gateway's sockets do, and keeps
// a bounded per-topic history for replay.
type Bridge struct {
	mu      sync.RWMutex
	streams map[string]*stream
	history map[string][]StoredEvent
	nextID  uint64
	cfg     config.SSEConfig
	unsub   func()
}

// NewBridge creates a bridge wired to the bus: every published core event is
// re-published onto matching streams.
func NewBridge(b *bus.Bus, cfg config.SSEConfig) *Bridge {
	br := &Bridge{
		streams: make(map[string]*stream),
		history: make(map[string][]StoredEvent),
		cfg:     cfg,
	}
	br.unsub = b.Subscribe(bus.TopicWildcard, func(e bus.Event) {
		data := map[string]any{
			"topic":     e.Topic,
			"payload":   e.Payload,
			"timestamp": e.Timestamp,
		}
		if e.Room != "" {
			data["room"] = e.Room
		}
		br.Publish(e.Topic, data)
	})
	return br
}

// HandleConnect opens a stream: GET /sse/connect?userId=&subscriptions=a,b.
// The stream always carries the default topic subscription, sends a
// connected hello with the assigned id, and heartbeats until the client
// goes away.
func (br *Bridge) HandleConnect(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var principal *types.Principal
	if userID := r.URL.Query().Get("userId"); userID != "" {
		principal = &types.Principal{UserID: userID}
	}

	s := &stream{
		id:             uuid.New().String(),
		principal:      principal,
		connectedAt:    time.Now(),
		lastActivityAt: time.Now(),
		subscriptions:  map[string]struct{}{DefaultTopic: {}},
		send:           make(chan event, 64),
		done:           make(chan struct{}),
	}
	for _, topic := range splitTopics(r.URL.Query().Get("subscriptions")) {
		s.subscriptions[topic] = struct{}{}
	}

	// Snapshot before the stream is visible to Subscribe; afterwards the
	// subscription map is only touched under br.mu.
	subs := s.subscriptionList()

	br.mu.Lock()
	br.streams[s.id] = s
	br.mu.Unlock()

	defer func() {
		br.mu.Lock()
		delete(br.streams, s.id)
		br.mu.Unlock()
		s.close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello := event{ID: br.nextEventID(), Topic: "connected", Data: map[string]any{
		"connection_id": s.id,
		"subscriptions": subs,
	}}
	if err := writeEvent(w, hello); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(br.cfg.HeartbeatInterval.Duration)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-s.send:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			// Comment line keeps intermediary proxies from closing the
			// stream.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\nid: %d\nretry: %d\n\n", ev.Topic, data, ev.ID, retryMillis)
	return err
}

// Publish delivers an event to every stream subscribed to the topic (or to
// the wildcard), appends it to the topic's bounded history, and returns how
// many streams received it. Slow streams miss events rather than blocking
// the fan-out.
func (br *Bridge) Publish(topic string, data any) int {
	br.mu.Lock()
	ev := event{ID: br.nextIDLocked(), Topic: topic, Data: data}

	entries := append(br.history[topic], StoredEvent{
		ID:        ev.ID,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	})
	if len(entries) > br.cfg.HistoryCapacity {
		entries = entries[len(entries)-br.cfg.HistoryCapacity:]
	}
	br.history[topic] = entries

	targets := make([]*stream, 0, len(br.streams))
	for _, s := range br.streams {
		if _, ok := s.subscriptions[topic]; ok {
			targets = append(targets, s)
			continue
		}
		if _, ok := s.subscriptions[bus.TopicWildcard]; ok {
			targets = append(targets, s)
		}
	}
	for _, s := range targets {
		s.lastActivityAt = time.Now()
	}
	br.mu.Unlock()

	sent := 0
	for _, s := range targets {
		select {
		case s.send <- ev:
			sent++
		default:
			log.Printf("SSE stream %s send buffer full, dropping event %d", s.id, ev.ID)
		}
	}
	return sent
}

// SendTo delivers an event to exactly one stream.
func (br *Bridge) SendTo(connID, topic string, data any) error {
	br.mu.Lock()
	s, exists := br.streams[connID]
	if !exists {
		br.mu.Unlock()
		return ErrStreamNotFound
	}
	ev := event{ID: br.nextIDLocked(), Topic: topic, Data: data}
	s.lastActivityAt = time.Now()
	br.mu.Unlock()

	select {
	case s.send <- ev:
		return nil
	default:
		return ErrStreamBacklogged
	}
}

// Subscribe adds a topic to a stream's subscription set.
func (br *Bridge) Subscribe(connID, topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	br.mu.Lock()
	defer br.mu.Unlock()

	s, exists := br.streams[connID]
	if !exists {
		return ErrStreamNotFound
	}
	s.subscriptions[topic] = struct{}{}
	s.lastActivityAt = time.Now()
	return nil
}

// Unsubscribe removes a topic from a stream's subscription set. The default
// topic cannot be removed.
func (br *Bridge) Unsubscribe(connID, topic string) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	s, exists := br.streams[connID]
	if !exists {
		return ErrStreamNotFound
	}
	if topic == DefaultTopic {
		return ErrInvalidTopic
	}
	delete(s.subscriptions, topic)
	s.lastActivityAt = time.Now()
	return nil
}

// Disconnect force-closes one stream.
func (br *Bridge) Disconnect(connID string) error {
	br.mu.Lock()
	s, exists := br.streams[connID]
	br.mu.Unlock()

	if !exists {
		return ErrStreamNotFound
	}
	s.close()
	return nil
}

// History returns the retained events for a topic in publish order.
func (br *Bridge) History(topic string) []StoredEvent {
	br.mu.RLock()
	defer br.mu.RUnlock()

	out := make([]StoredEvent, len(br.history[topic]))
	copy(out, br.history[topic])
	return out
}

// Connections returns snapshots of all open streams.
func (br *Bridge) Connections() []Connection {
	br.mu.RLock()
	defer br.mu.RUnlock()

	out := make([]Connection, 0, len(br.streams))
	for _, s := range br.streams {
		out = append(out, s.snapshot())
	}
	return out
}

// Get returns one stream's snapshot.
func (br *Bridge) Get(connID string) (Connection, bool) {
	br.mu.RLock()
	defer br.mu.RUnlock()

	s, exists := br.streams[connID]
	if !exists {
		return Connection{}, false
	}
	return s.snapshot(), true
}

// Sweep drops streams idle past maxAge and history entries older than
// maxAge, returning both counts. The maintenance scheduler calls this
// periodically.
func (br *Bridge) Sweep(maxAge time.Duration) (streamsRemoved, eventsRemoved int) {
	cutoff := time.Now().Add(-maxAge)

	br.mu.Lock()
	var stale []*stream
	for id, s := range br.streams {
		if s.lastActivityAt.Before(cutoff) {
			stale = append(stale, s)
			delete(br.streams, id)
		}
	}
	for topic, entries := range br.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(cutoff) {
				eventsRemoved++
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(br.history, topic)
		} else {
			br.history[topic] = kept
		}
	}
	br.mu.Unlock()

	for _, s := range stale {
		s.close()
	}
	return len(stale), eventsRemoved
}

// Stats returns bridge counters for monitoring.
func (br *Bridge) Stats() map[string]int {
	br.mu.RLock()
	defer br.mu.RUnlock()

	events := 0
	for _, entries := range br.history {
		events += len(entries)
	}
	return map[string]int{
		"connections":    len(br.streams),
		"topics":         len(br.history),
		"history_events": events,
	}
}

// Shutdown detaches from the bus and closes every stream.
func (br *Bridge) Shutdown() {
	if br.unsub != nil {
		br.unsub()
	}

	br.mu.Lock()
	streams := make([]*stream, 0, len(br.streams))
	for _, s := range br.streams {
		streams = append(streams, s)
	}
	br.streams = make(map[string]*stream)
	br.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

func (br *Bridge) nextEventID() uint64 {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.nextIDLocked()
}

func (br *Bridge) nextIDLocked() uint64 {
	br.nextID++
	return br.nextID
}

func (s *stream) snapshot() Connection {
	return Connection{
		ID:             s.id,
		Principal:      s.principal,
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivityAt,
		Subscriptions:  s.subscriptionList(),
	}
}

func (s *stream) subscriptionList() []string {
	out := make([]string, 0, len(s.subscriptions))
	for topic := range s.subscriptions {
		out = append(out, topic)
	}
	return out
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
