package managed

import (
	"context"
	"math"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
)

type envKey struct{ vm *VM }

// Env is an active attachment to a VM. It is valid until the executor that
// created it detaches; any use after that is a fatal ResourceError.
type Env struct {
	vm       *VM
	ctx      context.Context
	detached atomic.Bool
}

// Attach creates an attachment. The caller must guarantee that no other
// attachment to vm is in use at the same time, and must call detach exactly
// once.
func (vm *VM) Attach(parent context.Context) (env *Env, detach func()) {
	if parent == nil {
		parent = context.Background()
	}
	env = &Env{vm: vm}
	env.ctx = context.WithValue(parent, envKey{vm: vm}, env)
	return env, func() { env.detached.Store(true) }
}

// Attached returns the live attachment to vm carried by ctx, if any.
func (vm *VM) Attached(ctx context.Context) (*Env, bool) {
	if ctx == nil {
		return nil, false
	}
	env, ok := ctx.Value(envKey{vm: vm}).(*Env)
	if !ok || env.detached.Load() {
		return nil, false
	}
	return env, true
}

// Context returns a context carrying this attachment. Executors called with
// it reuse the attachment instead of attaching again.
func (e *Env) Context() context.Context { return e.ctx }

// VM returns the attached runtime.
func (e *Env) VM() *VM { return e.vm }

func (e *Env) check(op string) error {
	if e.detached.Load() {
		return bridgeerr.Abort(bridgeerr.Resource(op, "environment used after detach"))
	}
	return nil
}

// Null returns the managed null.
func (e *Env) Null() Value { return nullValue() }

// Bool marshals a boolean.
func (e *Env) Bool(b bool) Value { return Value{kind: KindBool, v: e.vm.rt.ToValue(b)} }

// Short marshals an int16.
func (e *Env) Short(n int16) Value { return Value{kind: KindShort, v: e.vm.rt.ToValue(int64(n))} }

// Int marshals an int32.
func (e *Env) Int(n int32) Value { return Value{kind: KindInt, v: e.vm.rt.ToValue(int64(n))} }

// Long marshals an int64.
func (e *Env) Long(n int64) Value { return Value{kind: KindLong, v: e.vm.rt.ToValue(n)} }

// NewString marshals a string. Strings must be valid UTF-8.
func (e *Env) NewString(s string) (Value, error) {
	if !utf8.ValidString(s) {
		return Value{}, bridgeerr.Marshal("string", "invalid UTF-8 encoding")
	}
	return Value{kind: KindString, v: e.vm.rt.ToValue(s)}, nil
}

// ByteArray marshals a copy of b as an ArrayBuffer.
func (e *Env) ByteArray(b []byte) Value {
	raw := make([]byte, len(b))
	copy(raw, b)
	buf := make([]byte, len(b))
	copy(buf, b)
	return Value{kind: KindBytes, v: e.vm.rt.ToValue(e.vm.rt.NewArrayBuffer(buf)), raw: raw}
}

// Array marshals elements into a managed array.
func (e *Env) Array(elems ...Value) Value {
	items := make([]interface{}, len(elems))
	for i, el := range elems {
		items[i] = el.js()
	}
	kept := make([]Value, len(elems))
	copy(kept, elems)
	return Value{kind: KindArray, v: e.vm.rt.NewArray(items...), elems: kept}
}

// FindClass resolves a dotted class name. A missing class is reported the
// way the managed side would report it, as a ClassNotFoundError.
func (e *Env) FindClass(name string) (Value, error) {
	if err := e.check("findClass"); err != nil {
		return Value{}, err
	}
	cls, ok := e.vm.resolveClass(name)
	if !ok {
		return Value{}, bridgeerr.RemoteInvocation("findClass", string(KindClassNotFound), name)
	}
	return Value{kind: KindClass, v: cls}, nil
}

// Deref returns the object behind ref.
func (e *Env) Deref(ref *GlobalRef) (Value, error) {
	if err := e.check("deref"); err != nil {
		return Value{}, err
	}
	if ref == nil {
		return Value{}, bridgeerr.Abort(bridgeerr.Resource("deref", "nil reference"))
	}
	if ref.vm != e.vm {
		return Value{}, bridgeerr.Abort(bridgeerr.Resource("deref", "reference %d belongs to another runtime", ref.id))
	}
	if ref.Released() {
		return Value{}, bridgeerr.Abort(bridgeerr.Resource("deref", "reference %d already released", ref.id))
	}
	obj, ok := e.vm.refs.lookup(ref.id)
	if !ok {
		return Value{}, bridgeerr.Abort(bridgeerr.Resource("deref", "reference %d not in table", ref.id))
	}
	return Value{kind: KindObject, v: obj}, nil
}

// NewGlobalRef pins an object so it outlives this attachment. The value
// must be a live object; null is a fatal ProtocolViolation.
func (e *Env) NewGlobalRef(v Value) (*GlobalRef, error) {
	if err := e.check("newGlobalRef"); err != nil {
		return nil, err
	}
	obj, ok := v.v.(*goja.Object)
	if !ok || v.kind == KindNull {
		return nil, bridgeerr.Abort(bridgeerr.Protocol("newGlobalRef", "expected an object, got %s", v.kind))
	}
	id := e.vm.refs.add(obj)
	return &GlobalRef{vm: e.vm, id: id}, nil
}

// CallMethod invokes method on obj. The descriptor is part of the call
// contract: arity or type mismatches, a missing method and a malformed
// result are fatal ProtocolViolations. An exception thrown by the method is
// returned as a RemoteInvocationError.
func (e *Env) CallMethod(obj Value, method, desc string, args ...Value) (Value, error) {
	if err := e.check(method); err != nil {
		return Value{}, err
	}
	recv, ok := obj.v.(*goja.Object)
	if !ok || obj.kind == KindNull {
		return Value{}, bridgeerr.Abort(bridgeerr.Protocol(method, "receiver is %s, not an object", obj.kind))
	}
	return e.invoke(recv, method, method, desc, args)
}

// CallStaticMethod invokes a method of the class object itself.
func (e *Env) CallStaticMethod(class, method, desc string, args ...Value) (Value, error) {
	if err := e.check(method); err != nil {
		return Value{}, err
	}
	cls, ok := e.vm.resolveClass(class)
	if !ok {
		return Value{}, bridgeerr.RemoteInvocation(class+"."+method, string(KindClassNotFound), class)
	}
	return e.invoke(cls, method, class+"."+method, desc, args)
}

func (e *Env) invoke(recv *goja.Object, method, label, desc string, args []Value) (Value, error) {
	sig, err := e.vm.signature(desc)
	if err != nil {
		return Value{}, bridgeerr.Abort(bridgeerr.Protocol(label, "%v", err))
	}
	if len(args) != len(sig.Args) {
		return Value{}, bridgeerr.Abort(bridgeerr.Protocol(label, "descriptor %s takes %d arguments, got %d", desc, len(sig.Args), len(args)))
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		if !sig.Args[i].accepts(a) || !e.instanceOf(sig.Args[i], a.v) {
			return Value{}, bridgeerr.Abort(bridgeerr.Protocol(label, "argument %d: %s does not match %s", i, a.kind, sig.Args[i]))
		}
		jsArgs[i] = a.js()
	}

	fn, ok := goja.AssertFunction(recv.Get(method))
	if !ok {
		return Value{}, bridgeerr.Abort(bridgeerr.Protocol(label, "no method %s%s", method, desc))
	}

	start := time.Now()
	res, callErr := fn(recv, jsArgs...)
	if callErr != nil {
		callErr = e.vm.translate(label, callErr)
		e.vm.observer.RecordRemoteCall(label, time.Since(start), callErr)
		return Value{}, callErr
	}
	e.vm.observer.RecordRemoteCall(label, time.Since(start), nil)

	out, err := e.fromJS(sig.Ret, res)
	if err != nil {
		return Value{}, bridgeerr.Abort(bridgeerr.Protocol(label, "result: %v", err))
	}
	return out, nil
}

// instanceOf checks class membership for plain object types whose class is
// resolvable. Unresolvable classes are not checked.
func (e *Env) instanceOf(t Type, v goja.Value) bool {
	if t.Code != 'L' || t.Class == ClassString || t.Class == ClassClass || t.Class == ClassObject {
		return true
	}
	if v == nil || goja.IsNull(v) {
		return true
	}
	cls, ok := e.vm.resolveClass(t.Class)
	if !ok {
		return true
	}
	res, err := e.vm.instanceOf(goja.Undefined(), v, cls)
	return err == nil && res.ToBoolean()
}

type shapeError struct {
	want Type
	got  string
}

func (s *shapeError) Error() string {
	return "expected " + s.want.String() + ", got " + s.got
}

func describe(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "function"
	}
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	return v.ExportType().String()
}

// fromJS converts a result into a Value of type t.
func (e *Env) fromJS(t Type, v goja.Value) (Value, error) {
	if t.Code == 'V' {
		return Value{kind: KindVoid}, nil
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		if t.nullable() {
			return nullValue(), nil
		}
		return Value{}, &shapeError{want: t, got: describe(v)}
	}

	switch t.Code {
	case 'Z':
		if b, ok := v.Export().(bool); ok {
			return e.Bool(b), nil
		}
	case 'S', 'I', 'J':
		n, ok := exportInteger(v.Export())
		if !ok {
			break
		}
		switch {
		case t.Code == 'S' && n >= math.MinInt16 && n <= math.MaxUint16:
			// Unsigned 16-bit ids are reported as-is by the managed side.
			return Value{kind: KindShort, v: e.vm.rt.ToValue(n)}, nil
		case t.Code == 'I' && n >= math.MinInt32 && n <= math.MaxInt32:
			return e.Int(int32(n)), nil
		case t.Code == 'J':
			return e.Long(n), nil
		}
	case '[':
		if t.Elem.Code == 'B' {
			if b, ok := exportBytes(v); ok {
				return Value{kind: KindBytes, v: v, raw: b}, nil
			}
			break
		}
		obj, ok := v.(*goja.Object)
		if !ok || obj.ClassName() != "Array" {
			break
		}
		n := obj.Get("length").ToInteger()
		elems := make([]Value, 0, n)
		for i := int64(0); i < n; i++ {
			el, err := e.fromJS(*t.Elem, obj.Get(strconv.FormatInt(i, 10)))
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, el)
		}
		return Value{kind: KindArray, v: v, elems: elems}, nil
	case 'L':
		switch t.Class {
		case ClassString:
			if s, ok := v.Export().(string); ok {
				return Value{kind: KindString, v: e.vm.rt.ToValue(s)}, nil
			}
		case ClassClass:
			if _, ok := goja.AssertFunction(v); ok {
				return Value{kind: KindClass, v: v}, nil
			}
		default:
			if _, ok := v.(*goja.Object); ok && e.instanceOf(t, v) {
				return Value{kind: KindObject, v: v}, nil
			}
		}
	}
	return Value{}, &shapeError{want: t, got: describe(v)}
}
