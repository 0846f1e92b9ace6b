// Package bus implements the in-process publish/subscribe fan-out used to
// push call lifecycle events to UI and agent channels.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicegate/internal/logging"
)

// subscriberBuffer bounds each subscriber's channel. When a subscriber falls
// this far behind, the oldest buffered event is dropped to make room; the
// publisher never blocks.
const subscriberBuffer = 256

// Event is a single immutable lifecycle event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber receives every event published after Subscribe, in publication
// order. Slow subscribers lose their oldest events, never the bus.
type Subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Events returns the subscriber's receive channel. It is closed on
// Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because this subscriber
// fell behind.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	logger *logging.Logger
}

// New creates an empty bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		logger: logging.OrNop(logger).Component("bus"),
	}
}

// Subscribe registers a new subscriber that sees events published from now
// on.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to every current subscriber. Delivery per
// subscriber is drop-oldest on overflow.
func (b *Bus) Publish(eventType string, sessionID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Buffer full: evict the oldest event, then retry once.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber", "type", ev.Type)
		}
	}
}
