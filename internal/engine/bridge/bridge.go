// Package bridge ties services registered with the node to the engine's
// state, events and metrics. A ServiceTracker follows one service through
// registration and initialization from its initial global configuration.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/service_bridge/internal/engine/events"
	enginemetrics "github.com/R3E-Network/service_bridge/internal/engine/metrics"
	"github.com/R3E-Network/service_bridge/internal/engine/state"
	"github.com/R3E-Network/service_bridge/internal/plugin"
)

// ServiceTracker tracks the status of one registered service.
type ServiceTracker struct {
	mu sync.RWMutex

	info plugin.ServiceInfo

	status    state.Status
	lastError error
	config    *string

	initializedAt time.Time

	events  events.EventLogger
	metrics enginemetrics.MetricsCollector
}

// TrackerOption configures a ServiceTracker.
type TrackerOption func(*ServiceTracker)

// WithEventLogger sets the event logger.
func WithEventLogger(el events.EventLogger) TrackerOption {
	return func(t *ServiceTracker) {
		t.events = el
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc enginemetrics.MetricsCollector) TrackerOption {
	return func(t *ServiceTracker) {
		t.metrics = mc
	}
}

// NewServiceTracker creates a tracker in StatusUnknown.
func NewServiceTracker(info plugin.ServiceInfo, opts ...TrackerOption) *ServiceTracker {
	t := &ServiceTracker{
		info:    info,
		status:  state.StatusUnknown,
		events:  events.NoOpLogger{},
		metrics: enginemetrics.NewNoOpCollector(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Info returns the service identity.
func (t *ServiceTracker) Info() plugin.ServiceInfo { return t.info }

// Status returns the current status.
func (t *ServiceTracker) Status() state.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// LastError returns the error of the last failed initialization.
func (t *ServiceTracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// Config returns the stored initial global configuration, or nil.
func (t *ServiceTracker) Config() *string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

// InitializedAt returns when the service last reached StatusRunning.
func (t *ServiceTracker) InitializedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.initializedAt
}

// SetStatus atomically updates the status with validation.
func (t *ServiceTracker) SetStatus(newStatus state.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == newStatus {
		return nil
	}
	if !state.CanTransition(t.status, newStatus) {
		return state.NewTransitionError(t.status, newStatus)
	}

	oldStatus := t.status
	t.status = newStatus
	t.metrics.RecordServiceStatus(t.info.Name, int(newStatus))

	b := events.NewEvent(statusToEventType(newStatus)).
		Service(t.info.ID, t.info.Name).
		Status(newStatus).
		Message(fmt.Sprintf("status changed: %s -> %s", oldStatus, newStatus))
	if newStatus == state.StatusFailed {
		b.ErrorFrom(t.lastError)
	}
	b.LogTo(t.events)

	return nil
}

// Initialize reads the initial global configuration with read and stores
// it. A failing read marks the service failed and stores nothing.
func (t *ServiceTracker) Initialize(ctx context.Context, read func(context.Context) (*string, error)) error {
	if status := t.Status(); !status.CanInitialize() {
		return fmt.Errorf("cannot initialize service %d from status %s", t.info.ID, status)
	}
	if err := t.SetStatus(state.StatusInitializing); err != nil {
		return err
	}

	config, err := read(ctx)
	if err != nil {
		t.mu.Lock()
		t.lastError = err
		t.mu.Unlock()
		_ = t.SetStatus(state.StatusFailed)
		return err
	}

	t.mu.Lock()
	t.config = config
	t.lastError = nil
	t.initializedAt = time.Now()
	t.mu.Unlock()

	return t.SetStatus(state.StatusRunning)
}

func statusToEventType(s state.Status) events.EventType {
	switch s {
	case state.StatusInitializing:
		return events.EventServiceInitializing
	case state.StatusRunning:
		return events.EventServiceInitialized
	case state.StatusFailed:
		return events.EventServiceInitFailed
	default:
		return events.EventServiceRegistered
	}
}

// Runtime bundles the engine components the node reports to.
type Runtime struct {
	Events  events.EventLogger
	Metrics enginemetrics.MetricsCollector
}

// NewRuntime creates a runtime with a ring buffer of eventBufferSize events
// and a Prometheus collector.
func NewRuntime(eventBufferSize int, metricsNamespace string) *Runtime {
	return &Runtime{
		Events:  events.NewRingBuffer(eventBufferSize),
		Metrics: enginemetrics.NewCollector(metricsNamespace),
	}
}

// NewNoOpRuntime creates a runtime with no-op implementations.
func NewNoOpRuntime() *Runtime {
	return &Runtime{
		Events:  events.NoOpLogger{},
		Metrics: enginemetrics.NewNoOpCollector(),
	}
}

// Track creates a tracker reporting to this runtime and marks it
// registered.
func (r *Runtime) Track(info plugin.ServiceInfo) *ServiceTracker {
	t := NewServiceTracker(info, WithEventLogger(r.Events), WithMetricsCollector(r.Metrics))
	_ = t.SetStatus(state.StatusRegistered)
	return t
}
