package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/service_bridge/internal/engine/state"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{
		Type:        EventServiceRegistered,
		ServiceName: "counter",
		Message:     "registered",
	})

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].ServiceName != "counter" {
		t.Errorf("ServiceName = %q, want 'counter'", recent[0].ServiceName)
	}
	if _, err := uuid.Parse(recent[0].ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", recent[0].ID, err)
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)

	for i := 0; i < 10; i++ {
		rb.Log(Event{
			Type:    EventBlockCommitted,
			Message: string(rune('A' + i)),
		})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5 (capped)", rb.Count())
	}

	recent := rb.Recent(5)
	if len(recent) != 5 {
		t.Fatalf("Recent(5) len = %d, want 5", len(recent))
	}
	if recent[0].Message != "J" {
		t.Errorf("Most recent message = %q, want 'J'", recent[0].Message)
	}
	if recent[4].Message != "F" {
		t.Errorf("Oldest message = %q, want 'F'", recent[4].Message)
	}
}

func TestRingBuffer_Recent(t *testing.T) {
	rb := NewRingBuffer(10)

	for i := 0; i < 5; i++ {
		rb.Log(Event{Type: EventBlockCommitted, Height: int64(i)})
	}

	t.Run("request more than available", func(t *testing.T) {
		if recent := rb.Recent(100); len(recent) != 5 {
			t.Errorf("len = %d, want 5", len(recent))
		}
	})

	t.Run("request zero", func(t *testing.T) {
		if recent := rb.Recent(0); recent != nil {
			t.Error("Recent(0) should return nil")
		}
	})

	t.Run("request negative", func(t *testing.T) {
		if recent := rb.Recent(-1); recent != nil {
			t.Error("Recent(-1) should return nil")
		}
	})
}

func TestRingBuffer_RecentByService(t *testing.T) {
	rb := NewRingBuffer(100)

	rb.Log(Event{Type: EventServiceRegistered, ServiceName: "counter"})
	rb.Log(Event{Type: EventServiceRegistered, ServiceName: "mock"})
	rb.Log(Event{Type: EventServiceInitialized, ServiceName: "counter"})
	rb.Log(Event{Type: EventServiceInitFailed, ServiceName: "mock"})
	rb.Log(Event{Type: EventTxConverted, ServiceName: "counter"})

	recent := rb.RecentByService("counter", 10)
	if len(recent) != 3 {
		t.Errorf("len = %d, want 3", len(recent))
	}
	for _, e := range recent {
		if e.ServiceName != "counter" {
			t.Errorf("ServiceName = %q, want 'counter'", e.ServiceName)
		}
	}

	if recent := rb.RecentByService("counter", 1); len(recent) != 1 || recent[0].Type != EventTxConverted {
		t.Errorf("RecentByService(counter, 1) = %v, want the tx.converted event", recent)
	}
}

func TestRingBuffer_RecentByType(t *testing.T) {
	rb := NewRingBuffer(100)

	rb.Log(Event{Type: EventBlockCommitted, Height: 1})
	rb.Log(Event{Type: EventAfterCommitFailed, Height: 1})
	rb.Log(Event{Type: EventBlockCommitted, Height: 2})

	recent := rb.RecentByType(EventBlockCommitted, 10)
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].Height != 2 {
		t.Errorf("Height = %d, want 2 (most recent first)", recent[0].Height)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var received []Event
	var mu sync.Mutex

	unsubscribe := rb.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	rb.Log(Event{Type: EventServiceRegistered})
	rb.Log(Event{Type: EventServiceInitialized})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events, want 2", len(received))
	}
	mu.Unlock()

	unsubscribe()
	rb.Log(Event{Type: EventBlockCommitted})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("received %d events after unsubscribe, want 2", len(received))
	}
	mu.Unlock()
}

func TestRingBuffer_SubscribeFiltered(t *testing.T) {
	rb := NewRingBuffer(10)

	var received atomic.Int64
	rb.SubscribeFiltered(func(e Event) bool {
		return e.Severity == SeverityError
	}, func(Event) {
		received.Add(1)
	})

	NewEvent(EventTxConverted).LogTo(rb)
	NewEvent(EventTxConvertFailed).ErrorFrom(errors.New("boom")).LogTo(rb)
	NewEvent(EventAfterCommitFailed).ErrorFrom(errors.New("boom")).LogTo(rb)

	if received.Load() != 2 {
		t.Errorf("received %d events, want 2 (only errors)", received.Load())
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{Type: EventBlockCommitted})
	rb.Log(Event{Type: EventBlockCommitted})
	rb.Clear()

	if rb.Count() != 0 {
		t.Errorf("Count() after clear = %d, want 0", rb.Count())
	}
	if recent := rb.Recent(10); recent != nil {
		t.Errorf("Recent after clear = %v, want nil", recent)
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(1000)

	var wg sync.WaitGroup
	var receivedCount atomic.Int64

	rb.Subscribe(func(e Event) {
		receivedCount.Add(1)
	})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.Log(Event{Type: EventTxConverted, ServiceID: uint16(id)})
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = rb.Recent(10)
				_ = rb.RecentByType(EventTxConverted, 5)
			}
		}()
	}

	wg.Wait()

	if rb.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", rb.Count())
	}
	if receivedCount.Load() != 1000 {
		t.Errorf("receivedCount = %d, want 1000", receivedCount.Load())
	}
}

func TestLogWithContext(t *testing.T) {
	rb := NewRingBuffer(10)

	ctx := WithRequestID(context.Background(), "req-456")
	rb.LogWithContext(ctx, Event{Type: EventTxConverted})
	rb.LogWithContext(context.Background(), Event{Type: EventTxConverted})

	recent := rb.Recent(2)
	if len(recent) != 2 {
		t.Fatal("expected 2 events")
	}
	if recent[1].RequestID != "req-456" {
		t.Errorf("RequestID = %q, want 'req-456'", recent[1].RequestID)
	}
	if recent[0].RequestID != "" {
		t.Errorf("RequestID = %q, want empty", recent[0].RequestID)
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventServiceInitialized).
		Service(10, "counter").
		Status(state.StatusRunning).
		Height(7).
		Message("initialized").
		Duration(100*time.Millisecond).
		Metadata("config", `{"counter":{"start":0}}`).
		Build()

	if event.Type != EventServiceInitialized {
		t.Errorf("Type = %v, want EventServiceInitialized", event.Type)
	}
	if event.ServiceID != 10 || event.ServiceName != "counter" {
		t.Errorf("Service = (%d, %q), want (10, 'counter')", event.ServiceID, event.ServiceName)
	}
	if event.Status != state.StatusRunning {
		t.Errorf("Status = %v, want StatusRunning", event.Status)
	}
	if event.Height != 7 {
		t.Errorf("Height = %d, want 7", event.Height)
	}
	if event.Severity != SeverityInfo {
		t.Errorf("Severity = %v, want SeverityInfo", event.Severity)
	}
	if event.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", event.Duration)
	}
	if event.Metadata["config"] != `{"counter":{"start":0}}` {
		t.Errorf("Metadata[config] = %q", event.Metadata["config"])
	}
	if event.ID == "" {
		t.Error("ID should be auto-generated")
	}
}

func TestEventBuilder_ErrorFrom(t *testing.T) {
	t.Run("with error", func(t *testing.T) {
		event := NewEvent(EventServiceInitFailed).
			ErrorFrom(context.DeadlineExceeded).
			Build()

		if event.Error != context.DeadlineExceeded.Error() {
			t.Errorf("Error = %q, want %q", event.Error, context.DeadlineExceeded.Error())
		}
		if event.Severity != SeverityError {
			t.Errorf("Severity = %v, want SeverityError", event.Severity)
		}
	})

	t.Run("with nil error", func(t *testing.T) {
		event := NewEvent(EventServiceInitialized).ErrorFrom(nil).Build()
		if event.Error != "" {
			t.Errorf("Error = %q, want empty", event.Error)
		}
	})
}

func TestNoOpLogger(t *testing.T) {
	var logger NoOpLogger

	logger.Log(Event{})
	logger.LogWithContext(context.Background(), Event{})
	unsubscribe := logger.Subscribe(func(e Event) {})
	unsubscribe()
	_ = logger.Recent(10)
	_ = logger.RecentByService("test", 10)
	_ = logger.RecentByType(EventBlockCommitted, 10)
}

func TestEvent_String(t *testing.T) {
	event := NewEvent(EventServiceInitFailed).
		Service(42, "service 42").
		Status(state.StatusFailed).
		Build()

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(event.String()), &decoded); err != nil {
		t.Fatalf("String() is not JSON: %v", err)
	}
	if decoded["status"] != "failed" {
		t.Errorf("status = %v, want 'failed'", decoded["status"])
	}
	if decoded["service_name"] != "service 42" {
		t.Errorf("service_name = %v, want 'service 42'", decoded["service_name"])
	}
}
