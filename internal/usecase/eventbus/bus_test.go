package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/logger"
)

func newTestBus() *Bus {
	return New(logger.Discard())
}

func TestPublishTyped(t *testing.T) {
	bus := newTestBus()

	var started, completed atomic.Int32
	bus.Subscribe(domain.EventSessionStarted, func(_ context.Context, _ domain.Event) { started.Add(1) })
	bus.Subscribe(domain.EventSessionCompleted, func(_ context.Context, _ domain.Event) { completed.Add(1) })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventSessionStarted})
	bus.Close()

	if started.Load() != 1 || completed.Load() != 0 {
		t.Fatalf("started=%d completed=%d", started.Load(), completed.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventRunStarted})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventSessionKilled})
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventRunFailed, func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	unsubAll()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventRunFailed})
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d", got.Load())
	}
}

func TestEmitMarshalsPayload(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen domain.Event
	bus.Subscribe(domain.EventSessionCompleted, func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = e
		mu.Unlock()
	})

	bus.Emit(context.Background(), domain.EventSessionCompleted, "01SESSION", map[string]int{"exit_code": 3})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if seen.SessionID != "01SESSION" {
		t.Errorf("session id = %q", seen.SessionID)
	}
	if seen.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	var payload map[string]int
	if err := json.Unmarshal(seen.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["exit_code"] != 3 {
		t.Errorf("payload = %v", payload)
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := New(slog.New(slog.DiscardHandler))

	var got atomic.Int32
	bus.Subscribe(domain.EventRunBlocked, func(_ context.Context, _ domain.Event) { panic("boom") })
	bus.Subscribe(domain.EventRunBlocked, func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventRunBlocked})
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("second handler should still run, got %d", got.Load())
	}
}

func TestCountsAndClosedBus(t *testing.T) {
	bus := newTestBus()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventLLMCall})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventLLMCall})
	bus.Close()
	bus.Close()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventLLMCall})
	if n := bus.Counts()[domain.EventLLMCall]; n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
