package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for session events.
type EventBus[T any] struct {
	subscribers map[*eventSubscription[T]]bool
	mu          sync.RWMutex
}

type eventSubscription[T any] struct {
	channel chan T
	handler func(T)
}

// NewEventBus creates a new event bus
func NewEventBus[T any]() *EventBus[T] {
	return &EventBus[T]{
		subscribers: make(map[*eventSubscription[T]]bool),
	}
}

// Subscribe registers a handler. Handlers run synchronously on the
// publishing goroutine, in publish order. Returns an unsubscribe function.
func (b *EventBus[T]) Subscribe(handler func(T)) func() {
	sub := &eventSubscription[T]{handler: handler}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of events and an unsubscribe
// function. Events are dropped for a subscriber whose channel is full.
func (b *EventBus[T]) SubscribeChannel(bufferSize int) (<-chan T, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan T, bufferSize)
	sub := &eventSubscription[T]{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers
func (b *EventBus[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// slow subscriber
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
