// Package runtime boots the managed runtime from configuration, creates the
// configured service and serves it through a node.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/service_bridge/internal/config"
	"github.com/R3E-Network/service_bridge/internal/engine/admission"
	"github.com/R3E-Network/service_bridge/internal/engine/bridge"
	"github.com/R3E-Network/service_bridge/internal/engine/events"
	"github.com/R3E-Network/service_bridge/internal/engine/metrics"
	"github.com/R3E-Network/service_bridge/internal/engine/recovery"
	"github.com/R3E-Network/service_bridge/internal/engine/state"
	"github.com/R3E-Network/service_bridge/internal/executor"
	"github.com/R3E-Network/service_bridge/internal/fakes"
	"github.com/R3E-Network/service_bridge/internal/managed"
	"github.com/R3E-Network/service_bridge/internal/middleware"
	"github.com/R3E-Network/service_bridge/internal/node"
	"github.com/R3E-Network/service_bridge/internal/plugin"
	"github.com/R3E-Network/service_bridge/internal/proxy"
	"github.com/R3E-Network/service_bridge/pkg/logger"
)

// CreateServiceMethod is the static factory every service module exposes.
var CreateServiceMethod = proxy.Method{Name: "createService", Desc: "()L" + proxy.ServiceAdapterClass + ";"}

const (
	eventBufferSize  = 1000
	metricsNamespace = "bridge"
	metricsInterval  = 5 * time.Second
	shutdownTimeout  = 10 * time.Second

	rateLimitCleanupInterval = time.Minute
)

// Option configures a ServiceRuntime.
type Option func(*options)

type options struct {
	log     *logger.Logger
	sources []managed.Source
}

// WithLogger sets the root logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithSources loads extra code after the configured class path.
func WithSources(sources ...managed.Source) Option {
	return func(o *options) {
		o.sources = append(o.sources, sources...)
	}
}

// ServiceRuntime owns the managed runtime of one service process.
type ServiceRuntime struct {
	cfg       *config.Config
	log       *logger.Logger
	vm        *managed.VM
	exec      executor.MainExecutor
	collector *metrics.Collector
	engine    *bridge.Runtime
	recovery  *recovery.Manager
	admission *admission.Controller
}

// New loads the configured code locations and prepares an executor.
func New(cfg *config.Config, opts ...Option) (*ServiceRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.New("runtime", logger.Config{Level: cfg.LogLevel(), Format: cfg.Log.Format})
	}

	collector := metrics.NewCollector(metricsNamespace)

	vmOpts := []managed.Option{
		managed.WithLogger(o.log.Named("managed")),
		managed.WithObserver(collector),
		managed.WithDebug(cfg.Runtime.Debug),
		managed.WithClassPath(cfg.Runtime.ClassPath...),
		managed.WithSources(o.sources...),
	}
	if cfg.Runtime.EmbeddedFakes {
		vmOpts = append([]managed.Option{fakes.Load()}, vmOpts...)
	}
	vm, err := managed.New(vmOpts...)
	if err != nil {
		return nil, fmt.Errorf("boot managed runtime: %w", err)
	}
	o.log.WithField("loaded", vm.Loaded()).Info("managed runtime ready")

	engine := &bridge.Runtime{
		Events:  events.NewRingBuffer(eventBufferSize),
		Metrics: collector,
	}

	admit := admission.NewController()
	for kind, lc := range cfg.Admission {
		admit.Configure(kind, lc)
	}

	return &ServiceRuntime{
		cfg: cfg,
		log: o.log,
		vm:  vm,
		exec: executor.NewMainExecutor(vm,
			executor.WithLogger(o.log.Named("executor")),
			executor.WithAttachObserver(collector),
		),
		collector: collector,
		engine:    engine,
		recovery:  recovery.NewManager(cfg.Recovery, engine.Events),
		admission: admit,
	}, nil
}

// Executor returns the shared executor.
func (r *ServiceRuntime) Executor() executor.MainExecutor { return r.exec }

// Metrics returns the collector of the runtime.
func (r *ServiceRuntime) Metrics() *metrics.Collector { return r.collector }

// CreateService instantiates the configured service module.
func (r *ServiceRuntime) CreateService(ctx context.Context) (*proxy.ServiceProxy, error) {
	module := r.cfg.Service.ModuleName
	ref, err := executor.Call(ctx, r.exec, func(env *managed.Env) (*managed.GlobalRef, error) {
		v, err := env.CallStaticMethod(module, CreateServiceMethod.Name, CreateServiceMethod.Desc)
		if err != nil {
			return nil, err
		}
		return proxy.PinResult(env, v)
	})
	if err != nil {
		return nil, fmt.Errorf("create service from %s: %w", module, err)
	}
	return proxy.NewServiceProxy(r.exec, ref), nil
}

// NewNode creates a node reporting to this runtime's events and metrics.
func (r *ServiceRuntime) NewNode() *node.Node {
	return node.New(node.WithRuntime(r.engine), node.WithLogger(r.log.Named("node")))
}

// Register creates the configured service and adds it to n.
func (r *ServiceRuntime) Register(ctx context.Context, n *node.Node) (plugin.ServiceInfo, error) {
	svc, err := r.CreateService(ctx)
	if err != nil {
		return plugin.ServiceInfo{}, err
	}
	info, err := n.Register(ctx, plugin.FromProxy(svc))
	if err != nil {
		svc.Close()
		return plugin.ServiceInfo{}, err
	}
	return info, nil
}

// Admission returns the admission controller of the node API.
func (r *ServiceRuntime) Admission() *admission.Controller { return r.admission }

// Recovery returns the recovery manager of the runtime.
func (r *ServiceRuntime) Recovery() *recovery.Manager { return r.recovery }

// Supervise puts every service of n under recovery and schedules a retry
// for each failed one. Failed attempts are retried until the recovery
// policy gives up.
func (r *ServiceRuntime) Supervise(ctx context.Context, n *node.Node) {
	r.recovery.SetOnRecoveryEnd(func(id uint16, attempt int, err error) {
		entry := r.log.WithFields(map[string]interface{}{"service_id": id, "attempt": attempt})
		if err == nil {
			entry.Info("service recovered")
			return
		}
		if errors.Is(err, recovery.ErrRecoveryAborted) {
			return
		}
		entry.WithError(err).Warn("recovery attempt failed")
		if err := r.recovery.TriggerRecovery(ctx, id); err != nil {
			entry.WithError(err).Warn("giving up recovery")
		}
	})

	for _, st := range n.Services() {
		h, err := n.Handle(st.ID)
		if err != nil {
			continue
		}
		r.recovery.Register(h)
		if st.Status == state.StatusFailed {
			if err := r.recovery.TriggerRecovery(ctx, st.ID); err != nil {
				r.log.WithField("service_id", st.ID).WithError(err).Warn("recovery not scheduled")
			}
		}
	}
}

// Serve serves the node API on the configured port until ctx is done.
func (r *ServiceRuntime) Serve(ctx context.Context, n *node.Node) error {
	ln, err := net.Listen("tcp", r.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.Addr(), err)
	}
	return r.ServeListener(ctx, n, ln)
}

// ServeListener supervises the services of n and serves the node API on ln
// until ctx is done, then shuts the server down gracefully.
func (r *ServiceRuntime) ServeListener(ctx context.Context, n *node.Node, ln net.Listener) error {
	r.Supervise(ctx, n)

	opts := []node.APIOption{
		node.WithMetricsRegistry(r.collector.Registry()),
		node.WithRecovery(r.recovery),
		node.WithAdmission(r.admission),
	}
	if r.cfg.Service.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(r.cfg.Service.RateLimit, r.cfg.Service.RateBurst, r.log.Named("ratelimit"))
		stop := make(chan struct{})
		defer close(stop)
		limiter.StartCleanup(rateLimitCleanupInterval, stop)
		opts = append(opts, node.WithRateLimiter(limiter))
	}
	router := n.Router(opts...)
	server := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.WithField("addr", ln.Addr().String()).Info("node API listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if spec := r.cfg.Service.BlockSchedule; spec != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(spec, func() { r.commitScheduled(ctx, n) }); err != nil {
			_ = server.Close()
			return fmt.Errorf("schedule blocks %q: %w", spec, err)
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
		r.log.WithField("schedule", spec).Info("scheduled block production enabled")
	}

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	r.refreshMetrics()

	for {
		select {
		case <-ticker.C:
			r.refreshMetrics()
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("serve node API: %w", err)
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown node API: %w", err)
			}
			r.admission.Close()
			if err := r.recovery.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown recovery: %w", err)
			}
			r.log.Info("node API stopped")
			return nil
		}
	}
}

// commitScheduled commits a block unless API commits already hold every
// commit permit.
func (r *ServiceRuntime) commitScheduled(ctx context.Context, n *node.Node) {
	guard, err := admission.NewGuard(ctx, r.admission, admission.KindCommit)
	if err != nil {
		r.log.WithError(err).Warn("scheduled commit skipped")
		return
	}
	defer guard.Release()

	block, err := n.Commit(ctx)
	if err != nil {
		r.log.WithError(err).Error("scheduled commit failed")
		return
	}
	r.log.WithFields(map[string]interface{}{
		"height":   block.Height,
		"executed": block.Executed,
		"failed":   block.Failed,
	}).Debug("scheduled block committed")
}

func (r *ServiceRuntime) refreshMetrics() {
	r.collector.UpdateUptime()
	r.collector.RecordLiveRefs(r.vm.LiveRefs())
}
