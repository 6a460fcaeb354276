package proxy

import (
	"context"
	"sync"

	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
)

// Transaction adapter methods.
var (
	MethodIsValid = Method{"isValid", "()Z"}
	MethodExecute = Method{"execute", "()V"}
	MethodInfo    = Method{"info", "()LString;"}
)

// TransactionProxy is a converted transaction living in the managed runtime.
type TransactionProxy struct {
	exec executor.Executor
	ref  *managed.GlobalRef
	once sync.Once
}

// NewTransactionProxy takes ownership of ref.
func NewTransactionProxy(exec executor.Executor, ref *managed.GlobalRef) *TransactionProxy {
	return &TransactionProxy{exec: exec, ref: ref}
}

// Ref returns the reference to the remote transaction.
func (t *TransactionProxy) Ref() *managed.GlobalRef { return t.ref }

// IsValid reports whether the service accepts the transaction.
func (t *TransactionProxy) IsValid(ctx context.Context) (bool, error) {
	return Invoke(ctx, t.exec, t.ref, MethodIsValid, nil, func(_ *managed.Env, v managed.Value) (bool, error) {
		return v.Bool(), nil
	})
}

// Execute applies the transaction to service state.
func (t *TransactionProxy) Execute(ctx context.Context) error {
	return Exec(ctx, t.exec, t.ref, MethodExecute)
}

// Info returns the transaction's JSON description; empty if it has none.
func (t *TransactionProxy) Info(ctx context.Context) (string, error) {
	return Invoke(ctx, t.exec, t.ref, MethodInfo, nil, func(_ *managed.Env, v managed.Value) (string, error) {
		s, _ := v.Text()
		return s, nil
	})
}

// Close releases the transaction reference.
func (t *TransactionProxy) Close() {
	t.once.Do(t.ref.Release)
}
