package managed

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
	"github.com/R3E-Network/service_bridge/pkg/logger"
)

const testSource = `
var test = {};
test.Thing = class Thing {
  constructor() { this.n = 0; }
  inc(by) { this.n += by; return this.n; }
  echo(s) { return s; }
  size(b) { return new Uint8Array(b).length; }
  reverse(b) { return new Uint8Array(b).slice().reverse().buffer; }
  fail() { throw new RangeError('nope'); }
  throwBare() { throw 'bare'; }
  nothing() {}
  nil() { return null; }
  takes(t) { return t instanceof test.Thing; }
  pair() { return [[1, 2], [3]]; }
  self() { return this; }
  static make() { return new test.Thing(); }
};
test.Other = class Other {};
`

func captureAborts(t *testing.T) *[]error {
	t.Helper()
	var got []error
	restore := bridgeerr.SetAbortHandler(func(err error) { got = append(got, err) })
	t.Cleanup(restore)
	return &got
}

func newTestVM(t *testing.T, opts ...Option) *VM {
	t.Helper()
	vm, err := New(append([]Option{WithSources(Source{Name: "test.js", Code: testSource})}, opts...)...)
	require.NoError(t, err)
	return vm
}

func attach(t *testing.T, vm *VM) *Env {
	t.Helper()
	env, detach := vm.Attach(context.Background())
	t.Cleanup(detach)
	return env
}

func newThing(t *testing.T, env *Env) Value {
	t.Helper()
	v, err := env.CallStaticMethod("test.Thing", "make", "()Ltest.Thing;")
	require.NoError(t, err)
	return v
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		desc  string
		args  int
		ret   string
		valid bool
	}{
		{"()V", 0, "V", true},
		{"(S)V", 1, "V", true},
		{"(LString;)V", 1, "V", true},
		{"([[B)V", 1, "V", true},
		{"(ZJI)Lfakes.adapters.ServiceAdapter;", 3, "Lfakes.adapters.ServiceAdapter;", true},
		{"()[LString;", 0, "[LString;", true},
		{"V", 0, "", false},
		{"(S", 0, "", false},
		{"(V)V", 0, "", false},
		{"(Q)V", 0, "", false},
		{"(L;)V", 0, "", false},
		{"()VV", 0, "", false},
		{"()[V", 0, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			sig, err := ParseSignature(tc.desc)
			if !tc.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, sig.Args, tc.args)
			assert.Equal(t, tc.ret, sig.Ret.String())
			assert.Equal(t, tc.desc, sig.String())
		})
	}
}

func TestAttach(t *testing.T) {
	vm := newTestVM(t)
	ctx := context.Background()

	_, ok := vm.Attached(ctx)
	assert.False(t, ok)

	env, detach := vm.Attach(ctx)
	got, ok := vm.Attached(env.Context())
	require.True(t, ok)
	assert.Same(t, env, got)
	assert.Same(t, vm, env.VM())

	other := newTestVM(t)
	_, ok = other.Attached(env.Context())
	assert.False(t, ok, "attachment belongs to another runtime")

	detach()
	_, ok = vm.Attached(env.Context())
	assert.False(t, ok)
}

func TestEnv_UseAfterDetach(t *testing.T) {
	aborts := captureAborts(t)
	vm := newTestVM(t)

	env, detach := vm.Attach(context.Background())
	detach()

	_, err := env.FindClass("test.Thing")
	var re *bridgeerr.ResourceError
	require.ErrorAs(t, err, &re)
	assert.Len(t, *aborts, 1)
}

func TestEnv_CallMethod(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)
	thing := newThing(t, env)

	v, err := env.CallMethod(thing, "inc", "(I)I", env.Int(3))
	require.NoError(t, err)
	assert.Equal(t, KindInt, v.Kind())
	assert.Equal(t, int32(3), v.Int())

	v, err = env.CallMethod(thing, "inc", "(I)I", env.Int(4))
	require.NoError(t, err)
	assert.Equal(t, int32(7), v.Int())

	s, err := env.NewString("héllo")
	require.NoError(t, err)
	v, err = env.CallMethod(thing, "echo", "(LString;)LString;", s)
	require.NoError(t, err)
	text, ok := v.Text()
	require.True(t, ok)
	assert.Equal(t, "héllo", text)

	v, err = env.CallMethod(thing, "echo", "(LString;)LString;", env.Null())
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	v, err = env.CallMethod(thing, "size", "([B)I", env.ByteArray([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), v.Int())

	v, err = env.CallMethod(thing, "reverse", "([B)[B", env.ByteArray([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1}, v.Bytes())

	v, err = env.CallMethod(thing, "nothing", "()V")
	require.NoError(t, err)
	assert.Equal(t, KindVoid, v.Kind())

	v, err = env.CallMethod(thing, "takes", "(Ltest.Thing;)Z", thing)
	require.NoError(t, err)
	assert.True(t, v.Bool())

	v, err = env.CallMethod(thing, "pair", "()[[I")
	require.NoError(t, err)
	require.Len(t, v.Elements(), 2)
	assert.Len(t, v.Elements()[0].Elements(), 2)
	assert.Equal(t, int32(3), v.Elements()[1].Elements()[0].Int())
}

func TestEnv_RemoteExceptions(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)
	thing := newThing(t, env)

	tests := []struct {
		method   string
		wantKind string
		wantMsg  string
	}{
		{"fail", "RangeError", "nope"},
		{"throwBare", "Error", "bare"},
	}

	for _, tc := range tests {
		t.Run(tc.method, func(t *testing.T) {
			_, err := env.CallMethod(thing, tc.method, "()V")
			rie, ok := bridgeerr.AsRemoteInvocation(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tc.method, rie.Method)
			assert.Equal(t, tc.wantKind, rie.Kind)
			assert.Equal(t, tc.wantMsg, rie.Message)
		})
	}
}

func TestEnv_FindClass(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)

	cls, err := env.FindClass("test.Other")
	require.NoError(t, err)
	assert.Equal(t, KindClass, cls.Kind())

	_, err = env.FindClass("RangeError")
	require.NoError(t, err)

	for _, name := range []string{"test.Missing", "test", "", "test..Other"} {
		_, err = env.FindClass(name)
		rie, ok := bridgeerr.AsRemoteInvocation(err)
		require.True(t, ok, "FindClass(%q) = %v", name, err)
		assert.Equal(t, string(KindClassNotFound), rie.Kind)
	}

	_, err = env.CallStaticMethod("test.Missing", "make", "()V")
	rie, ok := bridgeerr.AsRemoteInvocation(err)
	require.True(t, ok)
	assert.Equal(t, "test.Missing.make", rie.Method)
}

func TestEnv_ProtocolViolations(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)
	thing := newThing(t, env)
	other, err := env.FindClass("test.Other")
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"bad descriptor", func() error { _, err := env.CallMethod(thing, "inc", "(I"); return err }},
		{"too few args", func() error { _, err := env.CallMethod(thing, "inc", "(I)I"); return err }},
		{"too many args", func() error { _, err := env.CallMethod(thing, "nothing", "()V", env.Int(1)); return err }},
		{"wrong arg kind", func() error { _, err := env.CallMethod(thing, "inc", "(I)I", env.Long(1)); return err }},
		{"wrong arg class", func() error { _, err := env.CallMethod(thing, "takes", "(Ltest.Thing;)Z", other); return err }},
		{"null primitive", func() error { _, err := env.CallMethod(thing, "inc", "(I)I", env.Null()); return err }},
		{"missing method", func() error { _, err := env.CallMethod(thing, "absent", "()V"); return err }},
		{"null receiver", func() error { _, err := env.CallMethod(env.Null(), "inc", "(I)I", env.Int(1)); return err }},
		{"null result", func() error { _, err := env.CallMethod(thing, "nil", "()I"); return err }},
		{"wrong result kind", func() error {
			_, err := env.CallMethod(thing, "echo", "(LString;)Z", mustString(t, env, "x"))
			return err
		}},
		{"wrong result class", func() error { _, err := env.CallMethod(thing, "self", "()Ltest.Other;"); return err }},
		{"null global ref", func() error { _, err := env.NewGlobalRef(env.Null()); return err }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			aborts := captureAborts(t)
			err := tc.call()
			var pv *bridgeerr.ProtocolViolation
			require.ErrorAs(t, err, &pv)
			assert.Len(t, *aborts, 1)
		})
	}
}

func mustString(t *testing.T, env *Env, s string) Value {
	t.Helper()
	v, err := env.NewString(s)
	require.NoError(t, err)
	return v
}

func TestEnv_NewStringInvalidUTF8(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)

	_, err := env.NewString("\xc3\x28")
	me, ok := bridgeerr.AsMarshal(err)
	require.True(t, ok)
	assert.Equal(t, "string", me.Op)
}

func TestGlobalRef_Lifecycle(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)

	ref, err := env.NewGlobalRef(newThing(t, env))
	require.NoError(t, err)
	assert.Equal(t, 1, vm.LiveRefs())
	assert.Same(t, vm, ref.VM())

	clone := ref.Clone()
	assert.Equal(t, ref.ID(), clone.ID())
	assert.Equal(t, 1, vm.LiveRefs(), "clones share one table entry")

	obj, err := env.Deref(clone)
	require.NoError(t, err)
	v, err := env.CallMethod(obj, "inc", "(I)I", env.Int(2))
	require.NoError(t, err)
	assert.Equal(t, int32(2), v.Int())

	ref.Release()
	assert.True(t, ref.Released())
	assert.Equal(t, 1, vm.LiveRefs())

	obj, err = env.Deref(clone)
	require.NoError(t, err)
	v, err = env.CallMethod(obj, "inc", "(I)I", env.Int(1))
	require.NoError(t, err)
	assert.Equal(t, int32(3), v.Int(), "object identity survives")

	clone.Release()
	assert.Equal(t, 0, vm.LiveRefs())
}

func TestGlobalRef_Misuse(t *testing.T) {
	vm := newTestVM(t)
	env := attach(t, vm)

	t.Run("double release", func(t *testing.T) {
		aborts := captureAborts(t)
		ref, err := env.NewGlobalRef(newThing(t, env))
		require.NoError(t, err)
		ref.Release()
		ref.Release()
		require.Len(t, *aborts, 1)
		var re *bridgeerr.ResourceError
		assert.ErrorAs(t, (*aborts)[0], &re)
	})

	t.Run("clone after release", func(t *testing.T) {
		aborts := captureAborts(t)
		ref, err := env.NewGlobalRef(newThing(t, env))
		require.NoError(t, err)
		ref.Release()
		assert.Nil(t, ref.Clone())
		assert.Len(t, *aborts, 1)
	})

	t.Run("deref released", func(t *testing.T) {
		aborts := captureAborts(t)
		ref, err := env.NewGlobalRef(newThing(t, env))
		require.NoError(t, err)
		ref.Release()
		_, err = env.Deref(ref)
		var re *bridgeerr.ResourceError
		require.ErrorAs(t, err, &re)
		assert.Len(t, *aborts, 1)
	})

	t.Run("deref foreign", func(t *testing.T) {
		aborts := captureAborts(t)
		other := newTestVM(t)
		otherEnv := attach(t, other)
		ref, err := otherEnv.NewGlobalRef(newThing(t, otherEnv))
		require.NoError(t, err)
		defer ref.Release()

		_, err = env.Deref(ref)
		var re *bridgeerr.ResourceError
		require.ErrorAs(t, err, &re)
		assert.Len(t, *aborts, 1)
	})

	t.Run("deref nil", func(t *testing.T) {
		aborts := captureAborts(t)
		_, err := env.Deref(nil)
		assert.Error(t, err)
		assert.Len(t, *aborts, 1)
	})

	assert.Equal(t, 0, vm.LiveRefs())
}

func TestNew_ClassPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.js"), []byte("var order = (typeof order === 'undefined' ? '' : order) + 'b';"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte("var order = (typeof order === 'undefined' ? '' : order) + 'a';"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not code"), 0o600))
	single := filepath.Join(t.TempDir(), "single.js")
	require.NoError(t, os.WriteFile(single, []byte("var order = order + 's';"), 0o600))

	vm, err := New(
		WithSources(Source{Name: "test.js", Code: testSource}),
		WithClassPath(dir, single),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, "a.js"), filepath.Join(dir, "b.js"), single, "test.js"}, vm.Loaded())
	assert.Equal(t, "abs", vm.rt.Get("order").String())
}

func TestNew_LoadFailures(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"missing class path", []Option{WithClassPath(filepath.Join(t.TempDir(), "missing"))}},
		{"syntax error", []Option{WithSources(Source{Name: "bad.js", Code: "var = ;"})}},
		{"throws at load", []Option{WithSources(Source{Name: "throw.js", Code: "throw new Error('boot');"})}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opts...)
			assert.Error(t, err)
		})
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("managed", logger.Config{Level: "info", Output: &buf})

	_, err := New(WithLogger(log), WithSources(Source{Name: "log.js", Code: "console.log('quiet'); console.warn('loud');"}))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")

	buf.Reset()
	_, err = New(WithLogger(log), WithDebug(true), WithSources(Source{Name: "log.js", Code: "console.log('debugging', 42);"}))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "debugging 42")
}
