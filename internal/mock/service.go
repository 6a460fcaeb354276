// Package mock configures service test doubles that live in the managed
// runtime. A remote builder is created, driven through one remote call per
// option, built, and released; callers only ever see the finished proxy.
//
//	svc, err := mock.NewService(ctx, exec,
//		mock.ID(7),
//		mock.Name("svc"),
//		mock.ConvertTransactionThrowing("IllegalArgumentError"),
//	)
//
// Options run in order and the last option for a field wins. The builder
// handle never leaves NewService, so a built builder cannot be configured
// again.
package mock

import (
	"context"

	"github.com/R3E-Network/service_bridge/internal/crypto"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
	"github.com/R3E-Network/service_bridge/internal/proxy"
)

// ServiceOption is one remote configuration call on a service builder.
type ServiceOption func(ctx context.Context, b *serviceBuilder) error

type serviceBuilder struct {
	exec executor.Executor
	ref  *managed.GlobalRef
}

func (b *serviceBuilder) call(ctx context.Context, m proxy.Method, args ...proxy.Arg) error {
	return proxy.Exec(ctx, b.exec, b.ref, m, args...)
}

// ID sets the service id.
func ID(id uint16) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodID, proxy.Short(int16(id)))
	}
}

// Name sets the service name.
func Name(name string) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodName, proxy.String(name))
	}
}

// ConvertTransaction makes the service return tx from every conversion.
// The builder keeps its own reference; tx stays owned by the caller.
func ConvertTransaction(tx *managed.GlobalRef) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodConvertTransaction, proxy.Ref(tx))
	}
}

// ConvertTransactionThrowing makes every conversion throw kind.
func ConvertTransactionThrowing(kind managed.ExceptionKind) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodConvertTransactionThrowing, proxy.Class(kind))
	}
}

// StateHashes sets the state hashes the service reports, in order.
func StateHashes(hashes ...crypto.Hash) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodStateHashes, proxy.Hashes(hashes))
	}
}

// StateHashesThrowing makes state hash retrieval throw kind until
// StateHashes is applied again.
func StateHashesThrowing(kind managed.ExceptionKind) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodStateHashesThrowing, proxy.Class(kind))
	}
}

// InitialGlobalConfig sets the initial global configuration; nil means the
// service has none.
func InitialGlobalConfig(config *string) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodInitialGlobalConfig, proxy.OptionalString(config))
	}
}

// InitialGlobalConfigThrowing makes initial configuration retrieval throw
// kind.
func InitialGlobalConfigThrowing(kind managed.ExceptionKind) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodInitialGlobalConfigThrowing, proxy.Class(kind))
	}
}

// AfterCommitThrowing makes the after-commit hook throw kind.
func AfterCommitThrowing(kind managed.ExceptionKind) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		return b.call(ctx, methodAfterCommitThrowing, proxy.Class(kind))
	}
}

// MockInteractionAfterCommit stores in *out a handle that records the calls
// made by the built service's after-commit hook. The builder stays
// configurable. *out is owned by the caller even if a later option fails.
func MockInteractionAfterCommit(out **Interaction) ServiceOption {
	return func(ctx context.Context, b *serviceBuilder) error {
		ref, err := proxy.Invoke(ctx, b.exec, b.ref, methodGetMockInteraction, nil, proxy.PinResult)
		if err != nil {
			return err
		}
		*out = &Interaction{exec: b.exec, ref: ref}
		return nil
	}
}

// NewService creates a service builder, applies opts, and builds the
// service. The first failing option stops the chain and its error is
// returned; the builder is released either way.
func NewService(ctx context.Context, exec executor.Executor, opts ...ServiceOption) (*proxy.ServiceProxy, error) {
	return executor.Call(ctx, exec, func(env *managed.Env) (*proxy.ServiceProxy, error) {
		b, err := newServiceBuilder(env, exec)
		if err != nil {
			return nil, err
		}
		defer b.ref.Release()

		ctx := env.Context()
		for _, opt := range opts {
			if err := opt(ctx, b); err != nil {
				return nil, err
			}
		}

		ref, err := proxy.Invoke(ctx, exec, b.ref, methodBuildService, nil, proxy.PinResult)
		if err != nil {
			return nil, err
		}
		return proxy.NewServiceProxy(exec, ref), nil
	})
}

func newServiceBuilder(env *managed.Env, exec executor.Executor) (*serviceBuilder, error) {
	ref, err := createBuilder(env, methodCreateServiceBuilder)
	if err != nil {
		return nil, err
	}
	b := &serviceBuilder{exec: exec, ref: ref}

	defaults := []ServiceOption{
		ID(DefaultID),
		Name(DefaultName),
		StateHashes(DefaultStateHash()),
	}
	for _, opt := range defaults {
		if err := opt(env.Context(), b); err != nil {
			ref.Release()
			return nil, err
		}
	}
	return b, nil
}

func createBuilder(env *managed.Env, m proxy.Method) (*managed.GlobalRef, error) {
	v, err := env.CallStaticMethod(NativeFacadeClass, m.Name, m.Desc)
	if err != nil {
		return nil, err
	}
	return env.NewGlobalRef(v)
}
