// Package node simulates the blockchain node that drives pluggable services.
// It has no consensus: transactions submitted to a service are converted and
// queued, and Commit executes the queue as the next block, runs every
// running service's after-commit hook and collects their state hashes.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/service_bridge/internal/crypto"
	"github.com/R3E-Network/service_bridge/internal/engine/bridge"
	"github.com/R3E-Network/service_bridge/internal/engine/events"
	"github.com/R3E-Network/service_bridge/internal/engine/state"
	"github.com/R3E-Network/service_bridge/internal/plugin"
	"github.com/R3E-Network/service_bridge/pkg/logger"
)

// Errors returned by the node.
var (
	ErrUnknownService     = errors.New("unknown service")
	ErrServiceNotRunning  = errors.New("service not running")
	ErrInvalidTransaction = errors.New("transaction rejected by service")
)

// Transaction results recorded in metrics.
const (
	resultQueued        = "queued"
	resultRejected      = "rejected"
	resultConvertFailed = "convert_failed"
	resultExecuted      = "executed"
	resultFailed        = "failed"
)

// Block summarizes one commit.
type Block struct {
	Height       uint64                   `json:"height"`
	Executed     int                      `json:"executed"`
	Failed       int                      `json:"failed"`
	StateHashes  map[uint16][]crypto.Hash `json:"state_hashes"`
	AfterCommit  map[uint16]string        `json:"after_commit_errors,omitempty"`
	HashErrors   map[uint16]string        `json:"state_hash_errors,omitempty"`
	CommittedAt  time.Time                `json:"committed_at"`
	CommitLength time.Duration            `json:"commit_duration_ns"`
}

// ServiceStatus is the node's view of one service.
type ServiceStatus struct {
	ID     uint16       `json:"id"`
	Name   string       `json:"name"`
	Status state.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

type pendingTx struct {
	service uint16
	tx      plugin.Transaction
}

// Node is a single-process service host.
type Node struct {
	mu       sync.Mutex
	registry *plugin.Registry
	trackers map[uint16]*bridge.ServiceTracker
	pending  []pendingTx
	height   uint64

	rt  *bridge.Runtime
	log *logger.Logger
}

// Option configures a Node.
type Option func(*Node)

// WithRuntime sets the engine runtime events and metrics are reported to.
func WithRuntime(rt *bridge.Runtime) Option {
	return func(n *Node) {
		n.rt = rt
	}
}

// WithLogger sets the node logger.
func WithLogger(l *logger.Logger) Option {
	return func(n *Node) {
		n.log = l
	}
}

// New creates an empty node at height zero.
func New(opts ...Option) *Node {
	n := &Node{
		registry: plugin.NewRegistry(),
		trackers: make(map[uint16]*bridge.ServiceTracker),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.rt == nil {
		n.rt = bridge.NewNoOpRuntime()
	}
	if n.log == nil {
		n.log = logger.NewDefault("node")
	}
	return n
}

// Runtime returns the engine runtime of the node.
func (n *Node) Runtime() *bridge.Runtime { return n.rt }

// Register adds a service. The node takes ownership and closes it on Close.
func (n *Node) Register(ctx context.Context, svc plugin.Service) (plugin.ServiceInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	info, err := n.registry.Register(ctx, svc)
	if err != nil {
		return plugin.ServiceInfo{}, err
	}
	n.trackers[info.ID] = n.rt.Track(info)
	n.rt.Metrics.RecordServicesRegistered(n.registry.Count())
	n.log.WithFields(map[string]interface{}{"service_id": info.ID, "service": info.Name}).Info("service registered")
	return info, nil
}

// Start initializes every registered service that is not running yet from
// its initial global configuration. A service whose configuration cannot be
// read, or is not valid JSON, is marked failed and nothing is stored for
// it; the others still start. The returned error joins all failures.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for _, id := range n.registry.List() {
		if !n.trackers[id].Status().CanInitialize() {
			continue
		}
		if err := n.initialize(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Initialize initializes one registered or failed service.
func (n *Node) Initialize(ctx context.Context, id uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.trackers[id]; !ok {
		return fmt.Errorf("service %d: %w", id, ErrUnknownService)
	}
	return n.initialize(ctx, id)
}

func (n *Node) initialize(ctx context.Context, id uint16) error {
	tracker := n.trackers[id]
	svc, _ := n.registry.Get(id)
	info := tracker.Info()

	err := tracker.Initialize(ctx, func(ctx context.Context) (*string, error) {
		config, err := svc.InitialGlobalConfig(ctx)
		if err != nil {
			return nil, err
		}
		if config != nil && !gjson.Valid(*config) {
			return nil, fmt.Errorf("initial global config of service %d is not valid JSON", id)
		}
		return config, nil
	})
	entry := n.log.WithFields(map[string]interface{}{"service_id": id, "service": info.Name})
	if err != nil {
		entry.WithError(err).Warn("service initialization failed")
		return fmt.Errorf("service %d (%s): %w", id, info.Name, err)
	}
	entry.Info("service running")
	return nil
}

// ServiceHandle exposes the lifecycle of one service, for recovery.
type ServiceHandle struct {
	node    *Node
	tracker *bridge.ServiceTracker
}

// Handle returns the lifecycle handle of a registered service.
func (n *Node) Handle(id uint16) (*ServiceHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tracker, ok := n.trackers[id]
	if !ok {
		return nil, fmt.Errorf("service %d: %w", id, ErrUnknownService)
	}
	return &ServiceHandle{node: n, tracker: tracker}, nil
}

// ID returns the service id.
func (h *ServiceHandle) ID() uint16 { return h.tracker.Info().ID }

// Name returns the service name.
func (h *ServiceHandle) Name() string { return h.tracker.Info().Name }

// Status returns the current service status.
func (h *ServiceHandle) Status() state.Status { return h.tracker.Status() }

// Start initializes the service again.
func (h *ServiceHandle) Start(ctx context.Context) error {
	return h.node.Initialize(ctx, h.ID())
}

// Submit converts raw through service id and queues it for the next block.
// It returns the transaction description reported by the service.
func (n *Node) Submit(ctx context.Context, id uint16, raw []byte) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	svc, tracker, err := n.running(id)
	if err != nil {
		return "", err
	}
	info := tracker.Info()

	tx, err := svc.ConvertTransaction(ctx, raw)
	if err != nil {
		n.rt.Metrics.RecordTransaction(info.Name, resultConvertFailed)
		events.NewEvent(events.EventTxConvertFailed).
			Service(info.ID, info.Name).
			ErrorFrom(err).
			LogToWithContext(ctx, n.rt.Events)
		return "", fmt.Errorf("convert transaction for service %d: %w", id, err)
	}

	valid, err := tx.IsValid(ctx)
	if err != nil {
		tx.Close()
		return "", fmt.Errorf("validate transaction for service %d: %w", id, err)
	}
	if !valid {
		tx.Close()
		n.rt.Metrics.RecordTransaction(info.Name, resultRejected)
		return "", ErrInvalidTransaction
	}

	desc, err := tx.Info(ctx)
	if err != nil {
		tx.Close()
		return "", fmt.Errorf("describe transaction for service %d: %w", id, err)
	}

	n.pending = append(n.pending, pendingTx{service: id, tx: tx})
	n.rt.Metrics.RecordTransaction(info.Name, resultQueued)
	events.NewEvent(events.EventTxConverted).
		Service(info.ID, info.Name).
		Height(int64(n.height+1)).
		Metadata("info", desc).
		LogToWithContext(ctx, n.rt.Events)
	return desc, nil
}

// Pending returns the number of queued transactions.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Height returns the height of the last committed block.
func (n *Node) Height() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

// Commit executes the queued transactions as the next block. After-commit
// and state hash failures are logged and reported in the block, not
// returned: one service failing does not stop the others, and the height
// always advances with the executed transactions.
func (n *Node) Commit(ctx context.Context) (*Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	start := time.Now()
	n.height++
	block := &Block{
		Height:      n.height,
		StateHashes: make(map[uint16][]crypto.Hash),
		AfterCommit: make(map[uint16]string),
		HashErrors:  make(map[uint16]string),
	}

	pending := n.pending
	n.pending = nil
	for _, p := range pending {
		name := n.trackers[p.service].Info().Name
		if err := p.tx.Execute(ctx); err != nil {
			block.Failed++
			n.rt.Metrics.RecordTransaction(name, resultFailed)
			events.NewEvent(events.EventTxExecuteFailed).
				Service(p.service, name).
				Height(int64(n.height)).
				ErrorFrom(err).
				LogToWithContext(ctx, n.rt.Events)
		} else {
			block.Executed++
			n.rt.Metrics.RecordTransaction(name, resultExecuted)
			events.NewEvent(events.EventTxExecuted).
				Service(p.service, name).
				Height(int64(n.height)).
				Severity(events.SeverityDebug).
				LogToWithContext(ctx, n.rt.Events)
		}
		p.tx.Close()
	}

	for _, id := range n.runningIDs() {
		svc, _ := n.registry.Get(id)
		info := n.trackers[id].Info()
		if err := svc.AfterCommit(ctx, n.height); err != nil {
			block.AfterCommit[id] = err.Error()
			n.rt.Metrics.RecordAfterCommitFailure(info.Name)
			n.log.WithFields(map[string]interface{}{"service_id": id, "height": n.height}).
				WithError(err).Warn("after-commit handler failed")
			events.NewEvent(events.EventAfterCommitFailed).
				Service(id, info.Name).
				Height(int64(n.height)).
				ErrorFrom(err).
				LogToWithContext(ctx, n.rt.Events)
		}
	}

	// The transactions have executed, so the block stands even when a
	// service cannot report its state; the failure is part of the block.
	for _, id := range n.runningIDs() {
		svc, _ := n.registry.Get(id)
		hashes, err := svc.StateHashes(ctx)
		if err != nil {
			info := n.trackers[id].Info()
			block.HashErrors[id] = err.Error()
			n.log.WithFields(map[string]interface{}{"service_id": id, "height": n.height}).
				WithError(err).Warn("state hashes unavailable")
			events.NewEvent(events.EventStateHashesFailed).
				Service(id, info.Name).
				Height(int64(n.height)).
				ErrorFrom(err).
				LogToWithContext(ctx, n.rt.Events)
			continue
		}
		block.StateHashes[id] = hashes
	}
	block.CommittedAt = time.Now().UTC()
	block.CommitLength = time.Since(start)

	n.rt.Metrics.RecordBlockCommitted()
	events.NewEvent(events.EventBlockCommitted).
		Height(int64(n.height)).
		Duration(block.CommitLength).
		Message(fmt.Sprintf("executed %d, failed %d", block.Executed, block.Failed)).
		LogToWithContext(ctx, n.rt.Events)
	return block, nil
}

// StateHashes returns the state hashes of every running service.
func (n *Node) StateHashes(ctx context.Context) (map[uint16][]crypto.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateHashes(ctx)
}

// ServiceStateHashes returns the state hashes of one running service.
func (n *Node) ServiceStateHashes(ctx context.Context, id uint16) ([]crypto.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	svc, _, err := n.running(id)
	if err != nil {
		return nil, err
	}
	return svc.StateHashes(ctx)
}

// Config returns the initial global configuration stored for a service.
func (n *Node) Config(id uint16) (*string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tracker, ok := n.trackers[id]
	if !ok {
		return nil, fmt.Errorf("service %d: %w", id, ErrUnknownService)
	}
	return tracker.Config(), nil
}

// Services returns the status of every registered service, ordered by id.
func (n *Node) Services() []ServiceStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]ServiceStatus, 0, len(n.trackers))
	for _, info := range n.registry.AllInfo() {
		tracker := n.trackers[info.ID]
		st := ServiceStatus{ID: info.ID, Name: info.Name, Status: tracker.Status()}
		if err := tracker.LastError(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close drops queued transactions and closes every service.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, p := range n.pending {
		p.tx.Close()
	}
	n.pending = nil
	n.registry.Close()
	n.trackers = make(map[uint16]*bridge.ServiceTracker)
	n.rt.Metrics.RecordServicesRegistered(0)
}

func (n *Node) running(id uint16) (plugin.Service, *bridge.ServiceTracker, error) {
	tracker, ok := n.trackers[id]
	if !ok {
		return nil, nil, fmt.Errorf("service %d: %w", id, ErrUnknownService)
	}
	if status := tracker.Status(); !status.AcceptsTransactions() {
		return nil, nil, fmt.Errorf("service %d is %s: %w", id, status, ErrServiceNotRunning)
	}
	svc, _ := n.registry.Get(id)
	return svc, tracker, nil
}

func (n *Node) runningIDs() []uint16 {
	var ids []uint16
	for _, id := range n.registry.List() {
		if n.trackers[id].Status().AcceptsTransactions() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (n *Node) stateHashes(ctx context.Context) (map[uint16][]crypto.Hash, error) {
	out := make(map[uint16][]crypto.Hash)
	for _, id := range n.runningIDs() {
		svc, _ := n.registry.Get(id)
		hashes, err := svc.StateHashes(ctx)
		if err != nil {
			return nil, fmt.Errorf("state hashes of service %d: %w", id, err)
		}
		out[id] = hashes
	}
	return out, nil
}
