package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 1)
	bus.Subscribe(EventLogin, "test", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventLogin, SessionID: "abc"})

	select {
	case e := <-got:
		if e.SessionID != "abc" {
			t.Errorf("session id = %q", e.SessionID)
		}
		if e.Time.IsZero() {
			t.Error("expected Emit to stamp the event time")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestEmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventChat, "failing", func(ctx context.Context, e Event) error { return boom })

	if err := bus.EmitSync(context.Background(), Event{Type: EventChat}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestEmitSyncRecoversPanics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventChat, "panicky", func(ctx context.Context, e Event) error { panic("nope") })
	if err := bus.EmitSync(context.Background(), Event{Type: EventChat}); err == nil {
		t.Fatal("expected error from panicking handler")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventHandshake, "h", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Unsubscribe(EventHandshake, "h")

	if err := bus.EmitSync(context.Background(), Event{Type: EventHandshake}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 || bus.HandlerCount(EventHandshake) != 0 {
		t.Fatalf("handler still registered")
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.SubscribeAll("all", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	for _, typ := range []EventType{EventSessionOpened, EventSessionClosed, EventDialFailed} {
		if err := bus.EmitSync(context.Background(), Event{Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestStreamOrderAndCancel(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	ch, cancel := bus.Stream(8)
	for _, id := range []string{"a", "b", "c"} {
		bus.Emit(context.Background(), Event{Type: EventSessionOpened, SessionID: id})
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case e := <-ch:
			if e.SessionID != want {
				t.Fatalf("got %q, want %q", e.SessionID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("stream did not deliver")
		}
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected stream to be closed after cancel")
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	ch, cancel := bus.Stream(1)
	defer cancel()

	bus.Emit(context.Background(), Event{Type: EventChat, SessionID: "1"})
	bus.Emit(context.Background(), Event{Type: EventChat, SessionID: "2"})

	e := <-ch
	if e.SessionID != "1" {
		t.Fatalf("got %q, want first event", e.SessionID)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected overflow event to be dropped, got %q", e.SessionID)
	default:
	}
}

func TestStopClosesStreamsAndIgnoresEmit(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Stream(1)
	bus.Stop()
	bus.Stop()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed stream after Stop")
	}
	bus.Emit(context.Background(), Event{Type: EventChat})

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("StopCh not closed")
	}
}
