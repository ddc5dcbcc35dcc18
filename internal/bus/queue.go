package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when an event receive operation times out.
var ErrTimeout = errors.New("timeout waiting for event")

// EventBus fans job lifecycle events out to subscribers. The dispatcher
// publishes one event per transition; upstream layers (bot, HTTP, cleanup
// scheduling) subscribe by event type.
type EventBus struct {
	events chan Event

	subscribers map[EventType][]func(Event)
	mu          sync.RWMutex

	closed    chan struct{}
	closeOnce sync.Once
}

// NewEventBus creates an EventBus with the specified channel buffer size.
func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{
		events:      make(chan Event, bufferSize),
		subscribers: make(map[EventType][]func(Event)),
		closed:      make(chan struct{}),
	}
}

// Publish sends an event to the bus. Events published after Close are
// dropped.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case <-b.closed:
		return
	case b.events <- ev:
	}
}

// Consume blocks until an event is available.
func (b *EventBus) Consume() Event {
	return <-b.events
}

// ConsumeWithTimeout waits for an event with a timeout.
// Returns ErrTimeout if no event arrives within the specified duration.
func (b *EventBus) ConsumeWithTimeout(ctx context.Context, timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-b.events:
		return ev, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Subscribe registers a callback for events of the given type.
func (b *EventBus) Subscribe(t EventType, callback func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], callback)
}

// Dispatch delivers events to registered subscribers. It should be called
// once and runs until the context is cancelled or the bus is closed.
func (b *EventBus) Dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case ev := <-b.events:
			b.mu.RLock()
			callbacks := b.subscribers[ev.Type]
			b.mu.RUnlock()

			for _, cb := range callbacks {
				go func(callback func(Event)) {
					defer func() {
						// A panicking subscriber must not take the
						// dispatcher down.
						_ = recover()
					}()
					callback(ev)
				}(cb)
			}
		}
	}
}

// Size returns the current number of buffered events.
func (b *EventBus) Size() int {
	return len(b.events)
}

// Close closes the bus, stopping dispatch. Safe to call more than once.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
