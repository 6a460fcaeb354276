package managed

import (
	"fmt"
	"math"

	"github.com/dop251/goja"
)

// Kind classifies a Value crossing the bridge.
type Kind uint8

const (
	KindVoid Kind = iota
	KindNull
	KindBool
	KindShort
	KindInt
	KindLong
	KindString
	KindBytes
	KindArray
	KindObject
	KindClass
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindClass:
		return "class"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is an argument to, or result of, a remote call. It is only
// meaningful while the Env that produced it is attached.
type Value struct {
	kind  Kind
	v     goja.Value
	elems []Value // KindArray only
	raw   []byte  // KindBytes only
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the managed null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.kind == KindBool && v.v.ToBoolean() }

// Short returns the int16 payload.
func (v Value) Short() int16 {
	if v.kind != KindShort {
		return 0
	}
	return int16(v.v.ToInteger())
}

// Int returns the int32 payload.
func (v Value) Int() int32 {
	if v.kind != KindInt && v.kind != KindShort {
		return 0
	}
	return int32(v.v.ToInteger())
}

// Long returns the int64 payload.
func (v Value) Long() int64 {
	switch v.kind {
	case KindShort, KindInt, KindLong:
		return v.v.ToInteger()
	}
	return 0
}

// Text returns the string payload. The second result is false for null.
func (v Value) Text() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.v.String(), true
}

// Bytes returns a copy of the byte array payload.
func (v Value) Bytes() []byte {
	if v.kind != KindBytes {
		return nil
	}
	out := make([]byte, len(v.raw))
	copy(out, v.raw)
	return out
}

// Elements returns the elements of an array value.
func (v Value) Elements() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.elems
}

func (v Value) js() goja.Value {
	if v.v == nil {
		return goja.Null()
	}
	return v.v
}

func nullValue() Value { return Value{kind: KindNull, v: goja.Null()} }

// exportBytes accepts an ArrayBuffer, a typed array or a plain array of
// byte-sized integers.
func exportBytes(v goja.Value) ([]byte, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		b := x.Bytes()
		out := make([]byte, len(b))
		copy(out, b)
		return out, true
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out, true
	case []interface{}:
		out := make([]byte, len(x))
		for i, e := range x {
			n, ok := exportInteger(e)
			if !ok || n < 0 || n > math.MaxUint8 {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	default:
		return nil, false
	}
}

func exportInteger(e interface{}) (int64, bool) {
	switch n := e.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
