package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/service_bridge/internal/engine/events"
	"github.com/R3E-Network/service_bridge/internal/engine/state"
	"github.com/R3E-Network/service_bridge/internal/plugin"
)

func TestNewServiceTracker(t *testing.T) {
	tr := NewServiceTracker(plugin.ServiceInfo{ID: 10, Name: "counter"})
	if tr.Info().Name != "counter" {
		t.Errorf("Info().Name = %q, want 'counter'", tr.Info().Name)
	}
	if tr.Status() != state.StatusUnknown {
		t.Errorf("Status() = %v, want StatusUnknown", tr.Status())
	}
	if tr.Config() != nil {
		t.Error("Config() should be nil before initialization")
	}
}

func TestServiceTracker_Initialize(t *testing.T) {
	rb := events.NewRingBuffer(10)
	rt := &Runtime{Events: rb, Metrics: NewNoOpRuntime().Metrics}
	tr := rt.Track(plugin.ServiceInfo{ID: 10, Name: "counter"})

	config := `{"counter":{"start":0}}`
	err := tr.Initialize(context.Background(), func(context.Context) (*string, error) {
		return &config, nil
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if tr.Status() != state.StatusRunning {
		t.Errorf("Status() = %v, want StatusRunning", tr.Status())
	}
	if got := tr.Config(); got == nil || *got != config {
		t.Errorf("Config() = %v, want %q", got, config)
	}
	if tr.InitializedAt().IsZero() {
		t.Error("InitializedAt() should be set")
	}

	types := []events.EventType{}
	for _, e := range rb.RecentByService("counter", 10) {
		types = append(types, e.Type)
	}
	want := []events.EventType{events.EventServiceInitialized, events.EventServiceInitializing, events.EventServiceRegistered}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestServiceTracker_InitializeFailure(t *testing.T) {
	rb := events.NewRingBuffer(10)
	tr := NewServiceTracker(plugin.ServiceInfo{ID: 42, Name: "service 42"}, WithEventLogger(rb))
	_ = tr.SetStatus(state.StatusRegistered)

	boom := errors.New("remote initialGlobalConfig threw ConfigError")
	err := tr.Initialize(context.Background(), func(context.Context) (*string, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Initialize error = %v, want %v", err, boom)
	}
	if tr.Status() != state.StatusFailed {
		t.Errorf("Status() = %v, want StatusFailed", tr.Status())
	}
	if tr.Config() != nil {
		t.Error("Config() should stay nil after a failed initialization")
	}
	if !errors.Is(tr.LastError(), boom) {
		t.Errorf("LastError() = %v, want %v", tr.LastError(), boom)
	}

	failed := rb.RecentByType(events.EventServiceInitFailed, 1)
	if len(failed) != 1 {
		t.Fatal("expected a service.init_failed event")
	}
	if failed[0].Error != boom.Error() || failed[0].Severity != events.SeverityError {
		t.Errorf("failed event = %+v", failed[0])
	}

	// A failed service may be initialized again.
	config := "{}"
	if err := tr.Initialize(context.Background(), func(context.Context) (*string, error) { return &config, nil }); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if tr.Status() != state.StatusRunning {
		t.Errorf("Status() = %v, want StatusRunning", tr.Status())
	}
	if tr.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", tr.LastError())
	}
}

func TestServiceTracker_InitializeFromWrongStatus(t *testing.T) {
	tr := NewServiceTracker(plugin.ServiceInfo{ID: 1, Name: "x"})
	called := false
	err := tr.Initialize(context.Background(), func(context.Context) (*string, error) {
		called = true
		return nil, nil
	})
	if err == nil {
		t.Error("Initialize from StatusUnknown should fail")
	}
	if called {
		t.Error("read should not be called")
	}
}

func TestServiceTracker_InvalidTransition(t *testing.T) {
	tr := NewServiceTracker(plugin.ServiceInfo{ID: 1, Name: "x"})

	err := tr.SetStatus(state.StatusRunning)
	var te state.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("SetStatus error = %v, want TransitionError", err)
	}
	if te.From != state.StatusUnknown || te.To != state.StatusRunning {
		t.Errorf("TransitionError = %+v", te)
	}

	if err := tr.SetStatus(state.StatusUnknown); err != nil {
		t.Errorf("same-status SetStatus should be a no-op, got %v", err)
	}
}

func TestNewRuntime(t *testing.T) {
	rt := NewRuntime(100, "test")
	if rt.Events == nil || rt.Metrics == nil {
		t.Fatal("runtime components should not be nil")
	}
	tr := rt.Track(plugin.ServiceInfo{ID: 5, Name: "five"})
	if tr.Status() != state.StatusRegistered {
		t.Errorf("Status() = %v, want StatusRegistered", tr.Status())
	}
	if got := rt.Events.RecentByType(events.EventServiceRegistered, 1); len(got) != 1 || got[0].ServiceID != 5 {
		t.Errorf("registered event = %v", got)
	}
}

func TestStatusToEventType(t *testing.T) {
	tests := []struct {
		status state.Status
		want   events.EventType
	}{
		{state.StatusRegistered, events.EventServiceRegistered},
		{state.StatusInitializing, events.EventServiceInitializing},
		{state.StatusRunning, events.EventServiceInitialized},
		{state.StatusFailed, events.EventServiceInitFailed},
	}
	for _, tc := range tests {
		if got := statusToEventType(tc.status); got != tc.want {
			t.Errorf("statusToEventType(%v) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
