// Package testutil provides common testing utilities for code that talks to
// the managed runtime.
package testutil

import (
	"sync"
	"testing"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/fakes"
	"github.com/R3E-Network/service_bridge/internal/managed"
)

// AbortRecorder collects fatal bridge failures instead of exiting.
type AbortRecorder struct {
	mu     sync.Mutex
	errors []error
}

// CaptureAborts replaces the abort handler for the duration of the test.
// With the recorder installed, aborting calls return their error instead of
// terminating the process.
func CaptureAborts(t testing.TB) *AbortRecorder {
	t.Helper()
	r := &AbortRecorder{}
	restore := bridgeerr.SetAbortHandler(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, err)
	})
	t.Cleanup(restore)
	return r
}

// Errors returns the recorded failures in order.
func (r *AbortRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errors))
	copy(out, r.errors)
	return out
}

// Count returns the number of recorded failures.
func (r *AbortRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

// NewVM creates a runtime with the fakes loaded, plus any extra options.
func NewVM(t testing.TB, opts ...managed.Option) *managed.VM {
	t.Helper()
	vm, err := managed.New(append([]managed.Option{fakes.Load()}, opts...)...)
	if err != nil {
		t.Fatalf("create managed runtime: %v", err)
	}
	return vm
}

// NewExecutor creates a MainExecutor over a fresh runtime with the fakes
// loaded.
func NewExecutor(t testing.TB, opts ...managed.Option) executor.MainExecutor {
	t.Helper()
	return executor.NewMainExecutor(NewVM(t, opts...))
}
