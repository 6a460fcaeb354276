// Package executor attaches callers to the managed runtime for the duration
// of a unit of work.
//
// An attachment is carried in the context handed to the work function (see
// managed.Env.Context). Calling an executor again with that context reuses
// the attachment: nested calls neither attach nor detach a second time.
package executor

import (
	"context"
	"sync"

	"github.com/R3E-Network/service_bridge/internal/managed"
	"github.com/R3E-Network/service_bridge/pkg/logger"
)

// Work is a unit of work run with an active attachment.
type Work func(env *managed.Env) error

// Executor runs work attached to a managed runtime.
type Executor interface {
	// WithAttached attaches if ctx carries no attachment to the runtime,
	// runs work, and detaches on every exit path if it attached.
	//
	// Calls made from inside work must pass env.Context(), not the ctx
	// given to the outer call. With the outer ctx the nested call does not
	// see the attachment: MainExecutor deadlocks on its own lock, and
	// DumbExecutor attaches a second time.
	WithAttached(ctx context.Context, work Work) error

	// VM returns the runtime this executor attaches to.
	VM() *managed.VM
}

// Call runs work through exec and returns its result.
func Call[T any](ctx context.Context, exec Executor, work func(env *managed.Env) (T, error)) (T, error) {
	var out T
	err := exec.WithAttached(ctx, func(env *managed.Env) error {
		v, err := work(env)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// AttachObserver receives attachment events.
type AttachObserver interface {
	RecordAttach(executor string, nested bool)
}

type noopAttachObserver struct{}

func (noopAttachObserver) RecordAttach(string, bool) {}

// Option configures an executor.
type Option func(*options)

type options struct {
	log      *logger.Logger
	observer AttachObserver
}

// WithLogger sets the executor logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithAttachObserver sets the attachment observer.
func WithAttachObserver(obs AttachObserver) Option {
	return func(o *options) {
		o.observer = obs
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewDefault(component)
	}
	if o.observer == nil {
		o.observer = noopAttachObserver{}
	}
	return o
}

// MainExecutor is safe for concurrent use. The engine behind a VM admits one
// thread of execution, so every attachment holds the executor lock until it
// detaches; independent goroutines each get their own attachment in turn.
type MainExecutor struct {
	vm   *managed.VM
	mu   *sync.Mutex
	opts options
}

// NewMainExecutor creates a multi-goroutine executor. Copies of the returned
// value share the same lock.
func NewMainExecutor(vm *managed.VM, opts ...Option) MainExecutor {
	return MainExecutor{vm: vm, mu: &sync.Mutex{}, opts: buildOptions("executor", opts)}
}

// VM returns the runtime.
func (e MainExecutor) VM() *managed.VM { return e.vm }

// WithAttached runs work with an attachment, serializing with other
// goroutines.
func (e MainExecutor) WithAttached(ctx context.Context, work Work) error {
	if env, ok := e.vm.Attached(ctx); ok {
		e.opts.observer.RecordAttach("main", true)
		return work(env)
	}

	e.mu.Lock()
	env, detach := e.vm.Attach(ctx)
	defer func() {
		detach()
		e.mu.Unlock()
	}()
	e.opts.observer.RecordAttach("main", false)
	e.opts.log.WithField("executor", "main").Trace("attached")

	return work(env)
}

// DumbExecutor is for single-goroutine test harnesses. It does no
// synchronization of its own: calling it from several goroutines at once is
// a misuse and races inside the managed runtime.
type DumbExecutor struct {
	vm   *managed.VM
	opts options
}

// NewDumbExecutor creates a single-goroutine executor.
func NewDumbExecutor(vm *managed.VM, opts ...Option) DumbExecutor {
	return DumbExecutor{vm: vm, opts: buildOptions("executor", opts)}
}

// VM returns the runtime.
func (e DumbExecutor) VM() *managed.VM { return e.vm }

// WithAttached runs work with an attachment.
func (e DumbExecutor) WithAttached(ctx context.Context, work Work) error {
	if env, ok := e.vm.Attached(ctx); ok {
		e.opts.observer.RecordAttach("dumb", true)
		return work(env)
	}

	env, detach := e.vm.Attach(ctx)
	defer detach()
	e.opts.observer.RecordAttach("dumb", false)

	return work(env)
}

var (
	_ Executor = MainExecutor{}
	_ Executor = DumbExecutor{}
)
