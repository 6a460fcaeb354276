// Package errors defines the failure taxonomy of the cross-runtime bridge.
//
// Two classes of failure exist. Recoverable failures (MarshalError and
// RemoteInvocationError) are returned to the caller as ordinary error
// values. Fatal failures (ProtocolViolation and ResourceError) mean the
// bridge itself is broken; they are routed through Abort, which terminates
// the process.
package errors

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/R3E-Network/service_bridge/pkg/logger"
)

// MarshalError reports a native value that could not be converted into the
// managed runtime's argument representation.
type MarshalError struct {
	Op     string
	Reason string
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("marshal %s: %s", e.Op, e.Reason)
}

// RemoteInvocationError reports an exception raised inside the managed
// runtime by the named remote method.
type RemoteInvocationError struct {
	Method  string
	Kind    string
	Message string
}

func (e *RemoteInvocationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote %s threw %s", e.Method, e.Kind)
	}
	return fmt.Sprintf("remote %s threw %s: %s", e.Method, e.Kind, e.Message)
}

// ProtocolViolation reports a remote result or call shape that contradicts
// the fixed call contract.
type ProtocolViolation struct {
	Method string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Method, e.Reason)
}

// ResourceError reports a failure to create, resolve or release a remote
// reference.
type ResourceError struct {
	Op     string
	Reason string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error in %s: %s", e.Op, e.Reason)
}

// Marshal creates a MarshalError.
func Marshal(op, format string, args ...interface{}) *MarshalError {
	return &MarshalError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// RemoteInvocation creates a RemoteInvocationError.
func RemoteInvocation(method, kind, message string) *RemoteInvocationError {
	return &RemoteInvocationError{Method: method, Kind: kind, Message: message}
}

// Protocol creates a ProtocolViolation.
func Protocol(method, format string, args ...interface{}) *ProtocolViolation {
	return &ProtocolViolation{Method: method, Reason: fmt.Sprintf(format, args...)}
}

// Resource creates a ResourceError.
func Resource(op, format string, args ...interface{}) *ResourceError {
	return &ResourceError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// AsRemoteInvocation unwraps err to a RemoteInvocationError.
func AsRemoteInvocation(err error) (*RemoteInvocationError, bool) {
	var target *RemoteInvocationError
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsMarshal unwraps err to a MarshalError.
func AsMarshal(err error) (*MarshalError, bool) {
	var target *MarshalError
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsFatal reports whether err carries a ProtocolViolation or ResourceError.
func IsFatal(err error) bool {
	var pv *ProtocolViolation
	var re *ResourceError
	return stderrors.As(err, &pv) || stderrors.As(err, &re)
}

// AbortHandler terminates the process after a fatal bridge failure.
type AbortHandler func(err error)

var (
	abortMu      sync.RWMutex
	abortHandler AbortHandler = defaultAbort
)

func defaultAbort(err error) {
	logger.NewDefault("bridge").WithError(err).Fatal("unrecoverable bridge failure")
}

// Abort hands a fatal failure to the abort handler. The default handler
// logs and exits; Abort only returns when a replacement handler does, in
// which case err is returned unchanged.
func Abort(err error) error {
	abortMu.RLock()
	h := abortHandler
	abortMu.RUnlock()
	h(err)
	return err
}

// SetAbortHandler replaces the abort handler and returns a function that
// restores the previous one. Intended for tests that assert on fatal paths.
func SetAbortHandler(h AbortHandler) (restore func()) {
	abortMu.Lock()
	prev := abortHandler
	abortHandler = h
	abortMu.Unlock()
	return func() {
		abortMu.Lock()
		abortHandler = prev
		abortMu.Unlock()
	}
}
