package managed

import (
	"errors"

	"github.com/dop251/goja"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
)

// ExceptionKind names an error class resolvable inside the managed runtime,
// such as "TypeError" or "ConfigError". It is resolved to the live class only
// at the call boundary, by Env.FindClass.
type ExceptionKind string

// Kinds raised by the bridge itself on the managed side's behalf.
const (
	KindClassNotFound ExceptionKind = "ClassNotFoundError"
	KindInterrupted   ExceptionKind = "InterruptedError"
	KindError         ExceptionKind = "Error"
)

// translate converts a failure returned by the engine into a
// RemoteInvocationError for method.
func (vm *VM) translate(method string, err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		kind, msg := vm.describeThrown(ex.Value())
		return bridgeerr.RemoteInvocation(method, kind, msg)
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return bridgeerr.RemoteInvocation(method, string(KindInterrupted), ie.Error())
	}
	return bridgeerr.RemoteInvocation(method, string(KindError), err.Error())
}

// describeThrown extracts the class name and message of a thrown value.
func (vm *VM) describeThrown(v goja.Value) (kind, message string) {
	obj, ok := v.(*goja.Object)
	if !ok {
		if v == nil || goja.IsUndefined(v) {
			return string(KindError), ""
		}
		return string(KindError), v.String()
	}

	if ctor, ok := obj.Get("constructor").(*goja.Object); ok {
		if name := ctor.Get("name"); name != nil && !goja.IsUndefined(name) {
			kind = name.String()
		}
	}
	if kind == "" {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			kind = name.String()
		}
	}
	if kind == "" {
		kind = string(KindError)
	}

	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && !goja.IsNull(m) {
		message = m.String()
	}
	return kind, message
}
