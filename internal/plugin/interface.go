// Package plugin defines the pluggable service contract the node drives and
// a registry of service instances keyed by service id.
package plugin

import (
	"context"

	"github.com/R3E-Network/service_bridge/internal/crypto"
	"github.com/R3E-Network/service_bridge/internal/proxy"
)

// Service is a pluggable service implementation.
type Service interface {
	ID(ctx context.Context) (uint16, error)
	Name(ctx context.Context) (string, error)

	// InitialGlobalConfig returns the configuration stored when the service
	// is first started, or nil for none.
	InitialGlobalConfig(ctx context.Context) (*string, error)

	// ConvertTransaction interprets a raw transaction.
	ConvertTransaction(ctx context.Context, raw []byte) (Transaction, error)

	StateHashes(ctx context.Context) ([]crypto.Hash, error)

	// AfterCommit runs after the block at height is committed.
	AfterCommit(ctx context.Context, height uint64) error

	Close()
}

// Transaction is a converted transaction awaiting execution.
type Transaction interface {
	IsValid(ctx context.Context) (bool, error)
	Execute(ctx context.Context) error
	Info(ctx context.Context) (string, error)
	Close()
}

// ServiceInfo contains static information about a registered service.
type ServiceInfo struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

// FromProxy adapts a managed-runtime service proxy to Service.
func FromProxy(p *proxy.ServiceProxy) Service {
	return proxyService{p}
}

type proxyService struct {
	*proxy.ServiceProxy
}

func (s proxyService) ConvertTransaction(ctx context.Context, raw []byte) (Transaction, error) {
	tx, err := s.ServiceProxy.ConvertTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

var (
	_ Service     = proxyService{}
	_ Transaction = (*proxy.TransactionProxy)(nil)
)
