package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
	"github.com/R3E-Network/service_bridge/pkg/testutil"
)

const brokenSource = `
var broken = {};
broken.Service = class extends fakes.adapters.ServiceAdapter {
  getId() { return 'seven'; }
  getName() { return null; }
  initialGlobalConfig() { return 12; }
  convertTransaction(raw) { return null; }
  getStateHashes() { return [new ArrayBuffer(3)]; }
};
broken.Factory = class {
  static create() { return new broken.Service(); }
};
`

func newProxy(t *testing.T, exec executor.Executor, class, factory string) *ServiceProxy {
	t.Helper()
	ref, err := executor.Call(context.Background(), exec, func(env *managed.Env) (*managed.GlobalRef, error) {
		v, err := env.CallStaticMethod(class, factory, "()L"+ServiceAdapterClass+";")
		if err != nil {
			return nil, err
		}
		return env.NewGlobalRef(v)
	})
	require.NoError(t, err)
	return NewServiceProxy(exec, ref)
}

func TestServiceProxy_CounterService(t *testing.T) {
	ctx := context.Background()
	exec := testutil.NewExecutor(t)

	svc := newProxy(t, exec, "fakes.services.TestServiceModule", "createService")
	defer svc.Close()

	id, err := svc.ID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), id)

	config, err := svc.InitialGlobalConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.JSONEq(t, `{"counter":{"start":0}}`, *config)

	before, err := svc.StateHashes(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	tx, err := svc.ConvertTransaction(ctx, []byte{5})
	require.NoError(t, err)
	valid, err := tx.IsValid(ctx)
	require.NoError(t, err)
	assert.True(t, valid)
	require.NoError(t, tx.Execute(ctx))
	tx.Close()

	after, err := svc.StateHashes(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, byte(5), after[0].BytesBE()[31])

	_, err = svc.ConvertTransaction(ctx, []byte{1, 2})
	rie, ok := bridgeerr.AsRemoteInvocation(err)
	require.True(t, ok)
	assert.Equal(t, "IllegalArgumentError", rie.Kind)

	require.NoError(t, svc.AfterCommit(ctx, 1))
	err = svc.AfterCommit(ctx, 1)
	rie, ok = bridgeerr.AsRemoteInvocation(err)
	require.True(t, ok)
	assert.Equal(t, "IllegalStateError", rie.Kind)
}

func TestServiceProxy_ProtocolViolations(t *testing.T) {
	ctx := context.Background()
	aborts := testutil.CaptureAborts(t)
	exec := testutil.NewExecutor(t, managed.WithSources(managed.Source{Name: "broken.js", Code: brokenSource}))

	svc := newProxy(t, exec, "broken.Factory", "create")
	defer svc.Close()

	tests := []struct {
		name string
		call func() error
	}{
		{"wrong id shape", func() error { _, err := svc.ID(ctx); return err }},
		{"null name", func() error { _, err := svc.Name(ctx); return err }},
		{"config not a string", func() error { _, err := svc.InitialGlobalConfig(ctx); return err }},
		{"null transaction", func() error { _, err := svc.ConvertTransaction(ctx, []byte{1}); return err }},
		{"short hash", func() error { _, err := svc.StateHashes(ctx); return err }},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.True(t, bridgeerr.IsFatal(err), "expected fatal error, got %v", err)
			var pv *bridgeerr.ProtocolViolation
			assert.ErrorAs(t, err, &pv)
			assert.Equal(t, i+1, aborts.Count())
		})
	}
}

func TestServiceProxy_UseAfterClose(t *testing.T) {
	ctx := context.Background()
	aborts := testutil.CaptureAborts(t)
	exec := testutil.NewExecutor(t)

	svc := newProxy(t, exec, "fakes.services.TestServiceModule", "createService")
	svc.Close()
	svc.Close()
	assert.Equal(t, 0, aborts.Count(), "Close is idempotent")
	assert.Equal(t, 0, exec.VM().LiveRefs())

	_, err := svc.ID(ctx)
	var re *bridgeerr.ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, aborts.Count())
}

func TestTransactionProxy_Close(t *testing.T) {
	ctx := context.Background()
	exec := testutil.NewExecutor(t)

	svc := newProxy(t, exec, "fakes.services.TestServiceModule", "createService")
	defer svc.Close()

	tx, err := svc.ConvertTransaction(ctx, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.VM().LiveRefs())

	info, err := tx.Info(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"increment":1}`, info)

	tx.Close()
	tx.Close()
	assert.Equal(t, 1, exec.VM().LiveRefs())
}
