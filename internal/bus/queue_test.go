package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewEventBus(t *testing.T) {
	bus := NewEventBus(10)
	if bus == nil {
		t.Fatal("NewEventBus returned nil")
	}
	if bus.Size() != 0 {
		t.Errorf("Size() = %d, want 0", bus.Size())
	}
}

func TestPublishConsume(t *testing.T) {
	bus := NewEventBus(10)
	bus.Publish(Event{Type: EventCompleted, JobID: "job-1", Score: 100})

	if bus.Size() != 1 {
		t.Errorf("Size() = %d, want 1", bus.Size())
	}

	got := bus.Consume()
	if got.JobID != "job-1" || got.Type != EventCompleted {
		t.Errorf("Consume() = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("Publish should stamp events missing a timestamp")
	}
}

func TestConsumeWithTimeout(t *testing.T) {
	bus := NewEventBus(10)

	// Timeout case
	ctx := context.Background()
	_, err := bus.ConsumeWithTimeout(ctx, 10*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	// Success case
	bus.Publish(Event{Type: EventQueued, JobID: "job-2"})
	ev, err := bus.ConsumeWithTimeout(ctx, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.JobID != "job-2" {
		t.Errorf("JobID = %q, want %q", ev.JobID, "job-2")
	}

	// Context cancelled case
	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bus.ConsumeWithTimeout(cancelCtx, time.Second)
	if err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestSubscribeAndDispatch(t *testing.T) {
	bus := NewEventBus(10)

	var mu sync.Mutex
	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(EventTimedOut, func(ev Event) {
		mu.Lock()
		received = ev
		mu.Unlock()
		wg.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Dispatch(ctx)

	// A type without subscribers is dropped; the subscribed type arrives.
	bus.Publish(Event{Type: EventStarted, JobID: "other"})
	bus.Publish(Event{Type: EventTimedOut, JobID: "job-3", Reason: "deadline"})

	wg.Wait()
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if received.JobID != "job-3" || received.Reason != "deadline" {
		t.Errorf("received = %+v", received)
	}
}

func TestCloseStopsPublish(t *testing.T) {
	// Fill the buffer so the next publish would block
	bus := NewEventBus(1)
	bus.Publish(Event{Type: EventQueued, JobID: "fill"})
	bus.Close()

	// Should not block after close even when the buffer is full
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventQueued, JobID: "after close"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Close")
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewEventBus(1)
	bus.Close()
	// Deferred cleanup paths commonly close an already-closed bus.
	bus.Close()
}
