package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

// subscriberBuffer bounds each subscriber's event queue. A UI that
// stops draining loses events rather than stalling the engine.
const subscriberBuffer = 256

// Subscriber is one consumer of the engine's ordered event channel.
type Subscriber struct {
	ID     string
	Events chan types.Event
}

// Broadcaster fans engine events out to subscribers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	closed      bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]*Subscriber)}
}

// Subscribe registers a new event consumer.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	sub := &Subscriber{
		ID:     uuid.New().String(),
		Events: make(chan types.Event, subscriberBuffer),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Publish delivers an event to every subscriber, dropping it for
// subscribers whose buffer is full.
func (b *Broadcaster) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.Events <- ev:
		default:
		}
	}
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}
