// Package proxy wraps finished remote objects together with the executor
// used to reach them. Every operation follows the same discipline: marshal
// the arguments, invoke the named method with its exact descriptor, and
// return remote exceptions as errors.
package proxy

import (
	"context"

	"github.com/R3E-Network/service_bridge/internal/crypto"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
)

// Method is one entry of the fixed remote call surface.
type Method struct {
	Name string
	Desc string
}

// Arg marshals one argument under an active attachment.
type Arg func(env *managed.Env) (managed.Value, error)

// Short marshals an int16 argument.
func Short(n int16) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.Short(n), nil }
}

// Long marshals an int64 argument.
func Long(n int64) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.Long(n), nil }
}

// Bool marshals a boolean argument.
func Bool(b bool) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.Bool(b), nil }
}

// String marshals a string argument.
func String(s string) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.NewString(s) }
}

// OptionalString marshals s, or null when s is nil.
func OptionalString(s *string) Arg {
	return func(env *managed.Env) (managed.Value, error) {
		if s == nil {
			return env.Null(), nil
		}
		return env.NewString(*s)
	}
}

// Bytes marshals a byte array argument.
func Bytes(b []byte) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.ByteArray(b), nil }
}

// Hashes marshals an array of byte arrays, preserving order.
func Hashes(hashes []crypto.Hash) Arg {
	return func(env *managed.Env) (managed.Value, error) {
		elems := make([]managed.Value, len(hashes))
		for i, h := range hashes {
			elems[i] = env.ByteArray(h.BytesBE())
		}
		return env.Array(elems...), nil
	}
}

// Class resolves an exception kind to its live class.
func Class(kind managed.ExceptionKind) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.FindClass(string(kind)) }
}

// Ref passes the object behind ref.
func Ref(ref *managed.GlobalRef) Arg {
	return func(env *managed.Env) (managed.Value, error) { return env.Deref(ref) }
}

// Invoke calls m on the object behind ref and converts the result with
// result while still attached. A nil result discards the return value.
func Invoke[T any](ctx context.Context, exec executor.Executor, ref *managed.GlobalRef, m Method, args []Arg, result func(env *managed.Env, v managed.Value) (T, error)) (T, error) {
	return executor.Call(ctx, exec, func(env *managed.Env) (T, error) {
		var zero T
		obj, err := env.Deref(ref)
		if err != nil {
			return zero, err
		}
		vals := make([]managed.Value, len(args))
		for i, arg := range args {
			if vals[i], err = arg(env); err != nil {
				return zero, err
			}
		}
		v, err := env.CallMethod(obj, m.Name, m.Desc, vals...)
		if err != nil {
			return zero, err
		}
		if result == nil {
			return zero, nil
		}
		return result(env, v)
	})
}

// Exec calls a void method.
func Exec(ctx context.Context, exec executor.Executor, ref *managed.GlobalRef, m Method, args ...Arg) error {
	_, err := Invoke[struct{}](ctx, exec, ref, m, args, nil)
	return err
}

// PinResult pins an object result with a new GlobalRef owned by the caller.
func PinResult(env *managed.Env, v managed.Value) (*managed.GlobalRef, error) {
	return env.NewGlobalRef(v)
}
