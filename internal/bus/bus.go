package bus

import (
	"log"
	"sync"
	"time"
)

// Topic constants form the closed set of event names the core publishes.
// TopicWildcard subscribes to everything.
const (
	TopicClientConnected    = "client.connected"
	TopicClientDisconnected = "client.disconnected"
	TopicClientJoined       = "client.joined"
	TopicClientLeft         = "client.left"
	TopicRoomCreated        = "room.created"
	TopicRoomDeleted        = "room.deleted"
	TopicMessageSent        = "message.sent"
	TopicUserTyping         = "user.typing"
	TopicWildcard           = "*"
)

// Event is a single published occurrence. Room is empty for events that are
// not scoped to a room.
type Event struct {
	Topic     string         `json:"topic"`
	Room      string         `json:"room,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. Handlers must not block; long work
// belongs on the subscriber's side of a channel.
type Handler func(Event)

type subscriber struct {
	id      uint64
	topic   string
	handler Handler
}

// Bus is the typed publish/subscribe fabric between event producers
// (room manager, gateway) and the two transports (gateway push, SSE bridge).
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscriber // topic -> id -> subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]*subscriber),
	}
}

// Subscribe registers a handler for one topic (or TopicWildcard for all).
// The returned function removes the subscription; calling it twice is safe.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{id: b.nextID, topic: topic, handler: h}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[topic]; ok {
				delete(subs, sub.id)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every subscriber of its topic plus every
// wildcard subscriber, and returns how many handlers were invoked. Delivery
// is per-subscriber fire-and-forget: a panicking handler is logged and does
// not stop fan-out to the rest.
func (b *Bus) Publish(topic, room string, payload map[string]any) int {
	event := Event{
		Topic:     topic,
		Room:      room,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.subs[TopicWildcard]))
	for _, sub := range b.subs[topic] {
		handlers = append(handlers, sub.handler)
	}
	if topic != TopicWildcard {
		for _, sub := range b.subs[TopicWildcard] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(event, h)
	}
	return len(handlers)
}

func (b *Bus) deliver(event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Bus subscriber panicked on topic %s: %v", event.Topic, r)
		}
	}()
	h(event)
}

// SubscriberCount reports live subscriptions, wildcard included.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}
