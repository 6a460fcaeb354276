// Package state defines the lifecycle status of services registered with the
// node. A service is registered, initialized from its initial global
// configuration, and then either runs or is marked failed.
package state

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle status of a service.
type Status int32

const (
	// StatusUnknown indicates an uninitialized or unknown state.
	StatusUnknown Status = iota

	// StatusRegistered indicates the service is registered but not initialized.
	StatusRegistered

	// StatusInitializing indicates the node is reading the service's
	// initial global configuration.
	StatusInitializing

	// StatusRunning indicates the service accepts transactions and commits.
	StatusRunning

	// StatusFailed indicates initialization raised a remote exception.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRegistered:
		return "registered"
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "registered":
		return StatusRegistered
	case "initializing":
		return StatusInitializing
	case "running":
		return StatusRunning
	case "failed":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// AcceptsTransactions reports whether transactions may be submitted.
func (s Status) AcceptsTransactions() bool {
	return s == StatusRunning
}

// CanInitialize reports whether the node may (re)initialize the service.
func (s Status) CanInitialize() bool {
	return s == StatusRegistered || s == StatusFailed
}

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[Status][]Status{
	StatusUnknown:      {StatusRegistered},
	StatusRegistered:   {StatusInitializing},
	StatusInitializing: {StatusRunning, StatusFailed},
	StatusFailed:       {StatusInitializing},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to Status) TransitionError {
	return TransitionError{From: from, To: to}
}
