package mock

import (
	"context"

	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
	"github.com/R3E-Network/service_bridge/internal/proxy"
)

// TransactionOption is one remote configuration call on a transaction
// builder.
type TransactionOption func(ctx context.Context, b *transactionBuilder) error

type transactionBuilder struct {
	exec executor.Executor
	ref  *managed.GlobalRef
}

// Valid sets what the transaction reports from isValid. Defaults to true.
func Valid(valid bool) TransactionOption {
	return func(ctx context.Context, b *transactionBuilder) error {
		return proxy.Exec(ctx, b.exec, b.ref, methodValid, proxy.Bool(valid))
	}
}

// Info sets the transaction's JSON description.
func Info(info string) TransactionOption {
	return func(ctx context.Context, b *transactionBuilder) error {
		return proxy.Exec(ctx, b.exec, b.ref, methodInfo, proxy.String(info))
	}
}

// ExecuteThrowing makes execution throw kind.
func ExecuteThrowing(kind managed.ExceptionKind) TransactionOption {
	return func(ctx context.Context, b *transactionBuilder) error {
		return proxy.Exec(ctx, b.exec, b.ref, methodExecuteThrowing, proxy.Class(kind))
	}
}

// NewTransaction builds a transaction adapter double. The returned
// reference is owned by the caller, typically to pass to
// ConvertTransaction.
func NewTransaction(ctx context.Context, exec executor.Executor, opts ...TransactionOption) (*managed.GlobalRef, error) {
	return executor.Call(ctx, exec, func(env *managed.Env) (*managed.GlobalRef, error) {
		ref, err := createBuilder(env, methodCreateTransactionBuilder)
		if err != nil {
			return nil, err
		}
		defer ref.Release()

		b := &transactionBuilder{exec: exec, ref: ref}
		ctx := env.Context()
		for _, opt := range opts {
			if err := opt(ctx, b); err != nil {
				return nil, err
			}
		}
		return proxy.Invoke(ctx, exec, ref, methodBuildTransaction, nil, proxy.PinResult)
	})
}
