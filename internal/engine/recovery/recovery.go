// Package recovery retries the initialization of failed services. It
// implements configurable strategies: plain restart, exponential backoff
// and a circuit breaker that stops retrying after repeated failures.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/service_bridge/internal/engine/events"
	"github.com/R3E-Network/service_bridge/internal/engine/state"
)

// Common errors
var (
	ErrRecoveryInProgress    = errors.New("recovery already in progress")
	ErrRecoveryDisabled      = errors.New("recovery disabled for service")
	ErrMaxRetriesExceeded    = errors.New("max recovery retries exceeded")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrRecoveryAborted       = errors.New("recovery aborted")
	ErrServiceNotRecoverable = errors.New("service is not recoverable")
	ErrNotFailed             = errors.New("service has not failed")
)

// Strategy defines the recovery strategy type.
type Strategy string

const (
	// StrategyRestart retries after a fixed delay.
	StrategyRestart Strategy = "restart"

	// StrategyBackoff uses exponential backoff between retries.
	StrategyBackoff Strategy = "backoff"

	// StrategyCircuitBreaker stops recovery after repeated failures.
	StrategyCircuitBreaker Strategy = "circuit_breaker"

	// StrategyNone disables recovery.
	StrategyNone Strategy = "none"
)

// Config holds recovery configuration.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// MaxRetries is the maximum number of recovery attempts (0 = unlimited).
	MaxRetries int `yaml:"max_retries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the backoff multiplier (for StrategyBackoff).
	Multiplier float64 `yaml:"multiplier"`

	// CircuitBreakerThreshold is the number of failures before opening.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerResetTime is how long the circuit stays open.
	CircuitBreakerResetTime time.Duration `yaml:"circuit_breaker_reset_time"`
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyBackoff,
		MaxRetries:              5,
		InitialDelay:            time.Second,
		MaxDelay:                time.Minute,
		Multiplier:              2.0,
		CircuitBreakerThreshold: 3,
		CircuitBreakerResetTime: 5 * time.Minute,
	}
}

// Target is a service whose initialization can be retried.
type Target interface {
	ID() uint16
	Name() string
	Status() state.Status

	// Start initializes the service again.
	Start(ctx context.Context) error
}

// State tracks the recovery of one service.
type State struct {
	ServiceID     uint16
	Service       string
	InProgress    bool
	Attempts      int
	LastAttempt   time.Time
	LastError     error
	NextRetry     time.Time
	CurrentDelay  time.Duration
	CircuitOpen   bool
	CircuitOpened time.Time
}

// Manager schedules recovery attempts. Attempts run in the background; each
// TriggerRecovery call schedules at most one.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	states     map[uint16]*State
	targets    map[uint16]Target
	events     events.EventLogger
	shutdownCh chan struct{}
	shutdown   sync.Once
	wg         sync.WaitGroup

	onRecoveryEnd func(id uint16, attempt int, err error)
}

// NewManager creates a recovery manager.
func NewManager(cfg Config, eventLogger events.EventLogger) *Manager {
	if eventLogger == nil {
		eventLogger = events.NoOpLogger{}
	}
	return &Manager{
		cfg:        cfg,
		states:     make(map[uint16]*State),
		targets:    make(map[uint16]Target),
		events:     eventLogger,
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a service to recovery management.
func (m *Manager) Register(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := t.ID()
	m.targets[id] = t
	if _, ok := m.states[id]; !ok {
		m.states[id] = &State{ServiceID: id, Service: t.Name()}
	}
}

// SetOnRecoveryEnd sets the callback run after every attempt.
func (m *Manager) SetOnRecoveryEnd(fn func(id uint16, attempt int, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecoveryEnd = fn
}

// TriggerRecovery schedules a recovery attempt for a failed service.
func (m *Manager) TriggerRecovery(ctx context.Context, id uint16) error {
	m.mu.Lock()
	t, ok := m.targets[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service %d not registered: %w", id, ErrServiceNotRecoverable)
	}
	if m.cfg.Strategy == StrategyNone {
		m.mu.Unlock()
		return ErrRecoveryDisabled
	}
	if t.Status() != state.StatusFailed {
		m.mu.Unlock()
		return ErrNotFailed
	}

	st := m.states[id]
	if st.InProgress {
		m.mu.Unlock()
		return ErrRecoveryInProgress
	}

	if m.cfg.Strategy == StrategyCircuitBreaker && st.CircuitOpen {
		if time.Since(st.CircuitOpened) < m.cfg.CircuitBreakerResetTime {
			m.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		// Half-open: allow one more round.
		st.CircuitOpen = false
		st.Attempts = 0
	}

	if m.cfg.MaxRetries > 0 && st.Attempts >= m.cfg.MaxRetries {
		m.mu.Unlock()
		return ErrMaxRetriesExceeded
	}

	st.InProgress = true
	st.Attempts++
	attempt := st.Attempts
	delay := m.calculateDelay(attempt)
	m.mu.Unlock()

	events.NewEvent(events.EventRecoveryStarted).
		Service(id, t.Name()).
		Severity(events.SeverityWarning).
		Message(fmt.Sprintf("recovery attempt %d scheduled in %s", attempt, delay)).
		Metadata("strategy", string(m.cfg.Strategy)).
		LogTo(m.events)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.executeRecovery(ctx, t, attempt, delay)
	}()
	return nil
}

func (m *Manager) executeRecovery(ctx context.Context, t Target, attempt int, delay time.Duration) {
	start := time.Now()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			m.completeRecovery(t, attempt, ErrRecoveryAborted, time.Since(start))
			return
		case <-m.shutdownCh:
			m.completeRecovery(t, attempt, ErrRecoveryAborted, time.Since(start))
			return
		}
	}

	err := t.Start(ctx)
	m.completeRecovery(t, attempt, err, time.Since(start))
}

func (m *Manager) completeRecovery(t Target, attempt int, err error, duration time.Duration) {
	id := t.ID()

	m.mu.Lock()
	st := m.states[id]
	st.InProgress = false
	st.LastAttempt = time.Now()
	st.LastError = err
	if err != nil {
		st.CurrentDelay = m.calculateDelay(attempt + 1)
		st.NextRetry = time.Now().Add(st.CurrentDelay)
		if m.cfg.Strategy == StrategyCircuitBreaker && st.Attempts >= m.cfg.CircuitBreakerThreshold {
			st.CircuitOpen = true
			st.CircuitOpened = time.Now()
		}
	} else {
		st.Attempts = 0
		st.CurrentDelay = 0
		st.CircuitOpen = false
	}
	onEnd := m.onRecoveryEnd
	m.mu.Unlock()

	if err != nil {
		events.NewEvent(events.EventRecoveryFailed).
			Service(id, t.Name()).
			Severity(events.SeverityError).
			Message(fmt.Sprintf("recovery attempt %d failed", attempt)).
			ErrorFrom(err).
			Duration(duration).
			LogTo(m.events)
	} else {
		events.NewEvent(events.EventRecoverySucceeded).
			Service(id, t.Name()).
			Message(fmt.Sprintf("recovery attempt %d succeeded", attempt)).
			Duration(duration).
			LogTo(m.events)
	}

	if onEnd != nil {
		onEnd(id, attempt, err)
	}
}

func (m *Manager) calculateDelay(attempt int) time.Duration {
	if attempt <= 1 || m.cfg.Strategy != StrategyBackoff {
		return m.cfg.InitialDelay
	}
	delay := float64(m.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= m.cfg.Multiplier
		if m.cfg.MaxDelay > 0 && delay > float64(m.cfg.MaxDelay) {
			return m.cfg.MaxDelay
		}
	}
	return time.Duration(delay)
}

// GetState returns the recovery state of a service.
func (m *Manager) GetState(id uint16) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return *st, true
	}
	return State{}, false
}

// ResetState clears the attempt history of a service.
func (m *Manager) ResetState(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		st.Attempts = 0
		st.LastError = nil
		st.CurrentDelay = 0
		st.CircuitOpen = false
	}
}

// IsCircuitOpen reports whether the circuit breaker is open for a service.
func (m *Manager) IsCircuitOpen(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok || !st.CircuitOpen {
		return false
	}
	return time.Since(st.CircuitOpened) < m.cfg.CircuitBreakerResetTime
}

// Shutdown aborts pending attempts and waits for running ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Do(func() { close(m.shutdownCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info summarizes the recovery of one service for status endpoints.
type Info struct {
	ServiceID    uint16        `json:"service_id"`
	Service      string        `json:"service"`
	Strategy     Strategy      `json:"strategy"`
	InProgress   bool          `json:"in_progress"`
	Attempts     int           `json:"attempts"`
	MaxRetries   int           `json:"max_retries"`
	LastError    string        `json:"last_error,omitempty"`
	NextRetry    *time.Time    `json:"next_retry,omitempty"`
	CircuitOpen  bool          `json:"circuit_open"`
	CurrentDelay time.Duration `json:"current_delay_ns,omitempty"`
}

// GetRecoveryInfo returns recovery info for all services, ordered by id.
func (m *Manager) GetRecoveryInfo() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Info, 0, len(m.states))
	for _, st := range m.states {
		info := Info{
			ServiceID:    st.ServiceID,
			Service:      st.Service,
			Strategy:     m.cfg.Strategy,
			InProgress:   st.InProgress,
			Attempts:     st.Attempts,
			MaxRetries:   m.cfg.MaxRetries,
			CircuitOpen:  st.CircuitOpen,
			CurrentDelay: st.CurrentDelay,
		}
		if st.LastError != nil {
			info.LastError = st.LastError.Error()
		}
		if !st.NextRetry.IsZero() && st.Attempts > 0 {
			next := st.NextRetry
			info.NextRetry = &next
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ServiceID < result[j].ServiceID })
	return result
}
