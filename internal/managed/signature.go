package managed

import (
	"fmt"
	"strings"
)

// Type is one element of a method descriptor.
//
//	Z bool, S int16, I int32, J int64, V void
//	[T array of T ([B is a byte array)
//	LName; object of class Name (LString; string, LClass; class token,
//	LObject; any object)
type Type struct {
	Code  byte
	Class string
	Elem  *Type
}

// Well-known class names with special marshaling.
const (
	ClassString = "String"
	ClassClass  = "Class"
	ClassObject = "Object"
)

// String renders the type back to descriptor form.
func (t Type) String() string {
	switch t.Code {
	case 'L':
		return "L" + t.Class + ";"
	case '[':
		return "[" + t.Elem.String()
	default:
		return string(t.Code)
	}
}

func (t Type) nullable() bool { return t.Code == 'L' || t.Code == '[' }

// Signature is a parsed method descriptor such as "(S)V".
type Signature struct {
	Args []Type
	Ret  Type
	raw  string
}

// String returns the descriptor the signature was parsed from.
func (s Signature) String() string { return s.raw }

// ParseSignature parses a method descriptor.
func ParseSignature(desc string) (Signature, error) {
	if !strings.HasPrefix(desc, "(") {
		return Signature{}, fmt.Errorf("descriptor %q: missing '('", desc)
	}
	sig := Signature{raw: desc}
	rest := desc[1:]
	for {
		if rest == "" {
			return Signature{}, fmt.Errorf("descriptor %q: missing ')'", desc)
		}
		if rest[0] == ')' {
			rest = rest[1:]
			break
		}
		t, n, err := parseType(rest)
		if err != nil {
			return Signature{}, fmt.Errorf("descriptor %q: %w", desc, err)
		}
		if t.Code == 'V' {
			return Signature{}, fmt.Errorf("descriptor %q: void argument", desc)
		}
		sig.Args = append(sig.Args, t)
		rest = rest[n:]
	}
	ret, n, err := parseType(rest)
	if err != nil {
		return Signature{}, fmt.Errorf("descriptor %q: %w", desc, err)
	}
	if n != len(rest) {
		return Signature{}, fmt.Errorf("descriptor %q: trailing %q", desc, rest[n:])
	}
	sig.Ret = ret
	return sig, nil
}

func parseType(s string) (Type, int, error) {
	if s == "" {
		return Type{}, 0, fmt.Errorf("unexpected end")
	}
	switch c := s[0]; c {
	case 'Z', 'S', 'I', 'J', 'V', 'B':
		return Type{Code: c}, 1, nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 2 {
			return Type{}, 0, fmt.Errorf("unterminated class name in %q", s)
		}
		return Type{Code: 'L', Class: s[1:end]}, end + 1, nil
	case '[':
		elem, n, err := parseType(s[1:])
		if err != nil {
			return Type{}, 0, err
		}
		if elem.Code == 'V' {
			return Type{}, 0, fmt.Errorf("array of void")
		}
		return Type{Code: '[', Elem: &elem}, n + 1, nil
	default:
		return Type{}, 0, fmt.Errorf("unknown type code %q", c)
	}
}

// accepts reports whether v can be passed where t is expected. Class
// membership of plain objects is checked separately by the Env.
func (t Type) accepts(v Value) bool {
	if v.kind == KindNull {
		return t.nullable()
	}
	switch t.Code {
	case 'Z':
		return v.kind == KindBool
	case 'S':
		return v.kind == KindShort
	case 'I':
		return v.kind == KindInt
	case 'J':
		return v.kind == KindLong
	case '[':
		if t.Elem.Code == 'B' {
			return v.kind == KindBytes
		}
		if v.kind != KindArray {
			return false
		}
		for _, e := range v.elems {
			if !t.Elem.accepts(e) {
				return false
			}
		}
		return true
	case 'L':
		switch t.Class {
		case ClassString:
			return v.kind == KindString
		case ClassClass:
			return v.kind == KindClass
		case ClassObject:
			return v.kind == KindObject || v.kind == KindString || v.kind == KindArray || v.kind == KindBytes || v.kind == KindClass
		default:
			return v.kind == KindObject
		}
	}
	return false
}
