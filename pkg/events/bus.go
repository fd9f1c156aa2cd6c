// Package events implements the in-process publish/subscribe bus used to
// fan out domain events between components of one process.
package events

import (
	"sync"

	"github.com/srand/slicer/pkg/log"
)

// An event emitted on the bus.
type Event struct {
	// Name of the event, e.g. "slice:success".
	Topic string

	// Identity of the peer the event originates from, if any.
	Source string

	// Event specific data.
	Payload interface{}
}

// Callback invoked for every event of a subscribed topic.
// Handlers run on the goroutine that emitted the event.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a topic based publish/subscribe mechanism.
//
// If replay is enabled, events emitted on a topic without any subscriber
// are buffered (up to the replay limit per topic, oldest dropped first) and
// delivered in arrival order to the next handler subscribing to the topic.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	subs      map[string][]*subscription
	any       []*subscription
	buffered  map[string][]Event
	replaying map[string]bool
	replay    int
}

type Option func(*Bus)

// Buffer up to limit events per topic while the topic has no subscriber.
func WithReplay(limit int) Option {
	return func(b *Bus) {
		b.replay = limit
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      map[string][]*subscription{},
		buffered:  map[string][]Event{},
		replaying: map[string]bool{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe to a topic. Buffered events for the topic, if any, are
// delivered to the handler before On returns.
// The returned function removes the subscription.
func (b *Bus) On(topic string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)

	pending := b.buffered[topic]
	delete(b.buffered, topic)
	if len(pending) > 0 {
		b.replaying[topic] = true
	}
	b.mu.Unlock()

	// Events emitted while replaying are appended to the buffer
	// and picked up here, which keeps arrival order intact.
	for len(pending) > 0 {
		for _, event := range pending {
			handler(event)
		}

		b.mu.Lock()
		pending = b.buffered[topic]
		delete(b.buffered, topic)
		if len(pending) == 0 {
			delete(b.replaying, topic)
		}
		b.mu.Unlock()
	}

	return func() {
		b.off(topic, sub.id)
	}
}

// Subscribe to every topic. Catch-all handlers never receive replayed events
// and do not count as subscribers for buffering purposes.
func (b *Bus) OnAny(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.any = append(b.any, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.any = removeSubscription(b.any, sub.id)
	}
}

func (b *Bus) off(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = removeSubscription(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

func removeSubscription(subs []*subscription, id uint64) []*subscription {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Emit an event to all subscribers of the topic.
func (b *Bus) Emit(topic, source string, payload interface{}) {
	event := Event{Topic: topic, Source: source, Payload: payload}

	b.mu.Lock()
	subs := append([]*subscription{}, b.subs[topic]...)
	any := append([]*subscription{}, b.any...)

	if b.replaying[topic] || (len(subs) == 0 && b.replay > 0) {
		buffer := append(b.buffered[topic], event)
		if !b.replaying[topic] && len(buffer) > b.replay {
			log.Debugf("Event buffer full, dropping oldest %s event", topic)
			buffer = buffer[len(buffer)-b.replay:]
		}
		b.buffered[topic] = buffer
		subs = nil
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.handler(event)
	}
	for _, sub := range any {
		sub.handler(event)
	}
}

// Remove buffered events matching the predicate.
// Returns the number of events removed.
func (b *Bus) Flush(match func(Event) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for topic, buffer := range b.buffered {
		kept := buffer[:0]
		for _, event := range buffer {
			if match(event) {
				removed++
				continue
			}
			kept = append(kept, event)
		}
		if len(kept) == 0 && !b.replaying[topic] {
			delete(b.buffered, topic)
		} else {
			b.buffered[topic] = kept
		}
	}
	return removed
}

// Number of buffered events for a topic.
func (b *Bus) Buffered(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered[topic])
}

// Returns true if the topic has at least one subscriber.
func (b *Bus) HasSubscriber(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic]) > 0
}
