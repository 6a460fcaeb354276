// Package admission bounds the callers queued for the managed runtime. The
// runtime runs one call at a time, so every API request touching it waits
// for the executor; the limiters here cap how many may wait and for how
// long, turning overload into quick rejections instead of a growing queue.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrLimitExceeded  = errors.New("concurrency limit exceeded")
	ErrAcquireTimeout = errors.New("acquire timeout")
	ErrLimiterClosed  = errors.New("limiter is closed")
)

// Kind classifies the operations sharing a limiter.
type Kind string

const (
	KindRead   Kind = "read"
	KindSubmit Kind = "submit"
	KindCommit Kind = "commit"
)

// LimiterConfig holds configuration for a limiter.
type LimiterConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations.
	// 0 means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`

	// AcquireTimeout is the maximum time to wait for a permit.
	// 0 means no timeout (wait indefinitely).
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// QueueSize is the maximum number of waiting operations.
	// 0 means unlimited queue.
	QueueSize int `yaml:"queue_size"`
}

// DefaultLimiterConfig returns the default configuration.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConcurrent:  16,
		AcquireTimeout: 10 * time.Second,
		QueueSize:      256,
	}
}

// Limiter enforces a concurrency limit.
type Limiter struct {
	mu      sync.Mutex
	config  LimiterConfig
	permits chan struct{}
	waiting int32
	active  int32
	closed  bool

	totalAcquired int64
	totalReleased int64
	totalRejected int64
	totalTimeouts int64
}

// NewLimiter creates a limiter.
func NewLimiter(config LimiterConfig) *Limiter {
	l := &Limiter{config: config}
	if config.MaxConcurrent > 0 {
		l.permits = make(chan struct{}, config.MaxConcurrent)
		for i := 0; i < config.MaxConcurrent; i++ {
			l.permits <- struct{}{}
		}
	}
	return l
}

// Acquire blocks until a permit is available, the wait times out or ctx is
// done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.config.MaxConcurrent <= 0 {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	if l.config.QueueSize > 0 && int(atomic.LoadInt32(&l.waiting)) >= l.config.QueueSize {
		l.mu.Unlock()
		atomic.AddInt64(&l.totalRejected, 1)
		return ErrLimitExceeded
	}
	atomic.AddInt32(&l.waiting, 1)
	l.mu.Unlock()

	defer atomic.AddInt32(&l.waiting, -1)

	var timeoutCh <-chan time.Time
	if l.config.AcquireTimeout > 0 {
		timer := time.NewTimer(l.config.AcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case _, ok := <-l.permits:
		if !ok {
			return ErrLimiterClosed
		}
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ctx.Err()
	case <-timeoutCh:
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

// TryAcquire acquires a permit without blocking.
func (l *Limiter) TryAcquire() bool {
	if l.config.MaxConcurrent <= 0 {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}

	select {
	case _, ok := <-l.permits:
		if !ok {
			return false
		}
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	default:
		atomic.AddInt64(&l.totalRejected, 1)
		return false
	}
}

// Release returns a permit.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)
	atomic.AddInt64(&l.totalReleased, 1)

	if l.permits == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		select {
		case l.permits <- struct{}{}:
		default:
		}
	}
}

// Close releases every waiter with ErrLimiterClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	if l.permits != nil {
		close(l.permits)
	}
}

// Stats holds limiter statistics.
type Stats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimeouts int64 `json:"total_timeouts"`
}

// Stats returns current statistics.
func (l *Limiter) Stats() Stats {
	return Stats{
		MaxConcurrent: l.config.MaxConcurrent,
		Active:        int(atomic.LoadInt32(&l.active)),
		Waiting:       int(atomic.LoadInt32(&l.waiting)),
		TotalAcquired: atomic.LoadInt64(&l.totalAcquired),
		TotalReleased: atomic.LoadInt64(&l.totalReleased),
		TotalRejected: atomic.LoadInt64(&l.totalRejected),
		TotalTimeouts: atomic.LoadInt64(&l.totalTimeouts),
	}
}

// Active returns the number of held permits.
func (l *Limiter) Active() int { return int(atomic.LoadInt32(&l.active)) }

// Waiting returns the number of goroutines waiting for permits.
func (l *Limiter) Waiting() int { return int(atomic.LoadInt32(&l.waiting)) }

// Controller holds one limiter per operation kind. Kinds without a limiter
// are not limited.
type Controller struct {
	mu       sync.RWMutex
	limiters map[Kind]*Limiter
}

// NewController creates a controller with no limits.
func NewController() *Controller {
	return &Controller{limiters: make(map[Kind]*Limiter)}
}

// Configure sets the limits of a kind, replacing any previous limiter.
func (c *Controller) Configure(kind Kind, config LimiterConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.limiters[kind]; ok {
		existing.Close()
	}
	c.limiters[kind] = NewLimiter(config)
}

func (c *Controller) limiter(kind Kind) (*Limiter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.limiters[kind]
	return l, ok
}

// Stats returns statistics for all kinds.
func (c *Controller) Stats() map[Kind]Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[Kind]Stats, len(c.limiters))
	for kind, l := range c.limiters {
		result[kind] = l.Stats()
	}
	return result
}

// Close closes all limiters.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.limiters {
		l.Close()
	}
	c.limiters = make(map[Kind]*Limiter)
}

// Guard holds a permit until released.
type Guard struct {
	limiter  *Limiter
	acquired bool
}

// NewGuard acquires a permit for kind.
func NewGuard(ctx context.Context, c *Controller, kind Kind) (*Guard, error) {
	l, ok := c.limiter(kind)
	if !ok {
		return &Guard{}, nil
	}
	if err := l.Acquire(ctx); err != nil {
		return nil, err
	}
	return &Guard{limiter: l, acquired: true}, nil
}

// Release releases the permit. Safe to call multiple times.
func (g *Guard) Release() {
	if g != nil && g.acquired {
		g.limiter.Release()
		g.acquired = false
	}
}
