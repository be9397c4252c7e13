// Package bus carries events between components that must not know
// about each other. It has two surfaces: a typed dispatcher keyed by
// push event kind, and a generic topic bus for cross-cutting signals
// like "refresh counters" or "push degraded".
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Topics published on the generic bus.
const (
	// TopicEvents carries every dispatched models.InboundEvent after
	// the typed handlers have run.
	TopicEvents = "events"

	// TopicRefresh requests a counter refresh. Payload is a
	// models.Category, or nil for all categories.
	TopicRefresh = "counters:refresh"

	// TopicCounterChanged announces that a category's cached count
	// changed. Payload is the models.Category.
	TopicCounterChanged = "counters:changed"

	// TopicConversationChanged announces a merged change to a
	// conversation. Payload is the conversation id.
	TopicConversationChanged = "conversations:changed"

	// TopicDegraded announces that the push channel gave up
	// reconnecting and polling is the sole update source.
	TopicDegraded = "push:degraded"
)

// Bus is a process-wide publish/subscribe surface. Delivery is
// synchronous and in subscription order; a panicking subscriber is
// isolated and logged, never propagated to the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
	logger *slog.Logger
}

type subscription struct {
	id int
	fn func(payload any)
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers fn for a topic and returns a cancel function.
// Cancel is idempotent.
func (b *Bus) Subscribe(topic string, fn func(payload any)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		list := b.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of topic, in
// subscription order.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	list := b.subs[topic]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.invoke(topic, sub, payload)
	}
}

func (b *Bus) invoke(topic string, sub subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("bus subscriber panicked",
				slog.String("topic", topic),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.fn(payload)
}
