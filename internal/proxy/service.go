package proxy

import (
	"context"
	"sync"

	"github.com/R3E-Network/service_bridge/internal/crypto"
	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/managed"
)

// Class names of the service call surface.
const (
	ServiceAdapterClass     = "fakes.adapters.ServiceAdapter"
	TransactionAdapterClass = "fakes.adapters.TransactionAdapter"
)

// Service adapter methods.
var (
	MethodGetID               = Method{"getId", "()S"}
	MethodGetName             = Method{"getName", "()LString;"}
	MethodInitialGlobalConfig = Method{"initialGlobalConfig", "()LString;"}
	MethodConvertTransaction  = Method{"convertTransaction", "([B)L" + TransactionAdapterClass + ";"}
	MethodGetStateHashes      = Method{"getStateHashes", "()[[B"}
	MethodAfterCommit         = Method{"afterCommit", "(J)V"}
)

// ServiceProxy is a built service adapter living in the managed runtime.
// It owns one GlobalRef, released by Close.
type ServiceProxy struct {
	exec executor.Executor
	ref  *managed.GlobalRef
	once sync.Once
}

// NewServiceProxy takes ownership of ref.
func NewServiceProxy(exec executor.Executor, ref *managed.GlobalRef) *ServiceProxy {
	return &ServiceProxy{exec: exec, ref: ref}
}

// Executor returns the executor the proxy calls through.
func (p *ServiceProxy) Executor() executor.Executor { return p.exec }

// Ref returns the reference to the remote adapter. It stays owned by the
// proxy; Clone it to keep the adapter past Close.
func (p *ServiceProxy) Ref() *managed.GlobalRef { return p.ref }

// ID returns the service id.
func (p *ServiceProxy) ID(ctx context.Context) (uint16, error) {
	return Invoke(ctx, p.exec, p.ref, MethodGetID, nil, func(_ *managed.Env, v managed.Value) (uint16, error) {
		return uint16(v.Long()), nil
	})
}

// Name returns the service name.
func (p *ServiceProxy) Name(ctx context.Context) (string, error) {
	return Invoke(ctx, p.exec, p.ref, MethodGetName, nil, func(_ *managed.Env, v managed.Value) (string, error) {
		s, ok := v.Text()
		if !ok {
			return "", bridgeerr.Abort(bridgeerr.Protocol(MethodGetName.Name, "service name is null"))
		}
		return s, nil
	})
}

// InitialGlobalConfig returns the service's initial global configuration,
// or nil if it has none.
func (p *ServiceProxy) InitialGlobalConfig(ctx context.Context) (*string, error) {
	return Invoke(ctx, p.exec, p.ref, MethodInitialGlobalConfig, nil, func(_ *managed.Env, v managed.Value) (*string, error) {
		s, ok := v.Text()
		if !ok {
			return nil, nil
		}
		return &s, nil
	})
}

// ConvertTransaction asks the service to interpret a raw transaction. The
// returned proxy must be closed by the caller.
func (p *ServiceProxy) ConvertTransaction(ctx context.Context, raw []byte) (*TransactionProxy, error) {
	ref, err := Invoke(ctx, p.exec, p.ref, MethodConvertTransaction, []Arg{Bytes(raw)}, PinResult)
	if err != nil {
		return nil, err
	}
	return NewTransactionProxy(p.exec, ref), nil
}

// StateHashes returns the service's state hashes in the order it reports
// them.
func (p *ServiceProxy) StateHashes(ctx context.Context) ([]crypto.Hash, error) {
	return Invoke(ctx, p.exec, p.ref, MethodGetStateHashes, nil, func(_ *managed.Env, v managed.Value) ([]crypto.Hash, error) {
		if v.IsNull() {
			return nil, bridgeerr.Abort(bridgeerr.Protocol(MethodGetStateHashes.Name, "state hashes are null"))
		}
		elems := v.Elements()
		out := make([]crypto.Hash, len(elems))
		for i, el := range elems {
			h, err := crypto.HashFromBytes(el.Bytes())
			if err != nil {
				return nil, bridgeerr.Abort(bridgeerr.Protocol(MethodGetStateHashes.Name, "hash %d: %v", i, err))
			}
			out[i] = h
		}
		return out, nil
	})
}

// AfterCommit runs the service's after-commit hook for the block at height.
func (p *ServiceProxy) AfterCommit(ctx context.Context, height uint64) error {
	return Exec(ctx, p.exec, p.ref, MethodAfterCommit, Long(int64(height)))
}

// Close releases the proxy's reference. Calls after Close are a fatal
// ResourceError.
func (p *ServiceProxy) Close() {
	p.once.Do(p.ref.Release)
}
