// Package metrics provides bridge and node metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for remote
// calls, runtime attachments, reference lifetimes and the simulated node.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
)

// Collector provides bridge metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Bridge metrics
	remoteCalls      *prometheus.CounterVec
	remoteLatency    *prometheus.HistogramVec
	remoteExceptions *prometheus.CounterVec
	attachments      *prometheus.CounterVec
	liveRefs         prometheus.Gauge

	// Node metrics
	servicesRegistered prometheus.Gauge
	serviceStatus      *prometheus.GaugeVec
	transactions       *prometheus.CounterVec
	blocksCommitted    prometheus.Counter
	afterCommitErrors  *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	uptime    prometheus.Gauge
	startTime time.Time

	mu sync.RWMutex
}

// NewCollector creates a new bridge metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "bridge"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.remoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Total number of remote calls into the managed runtime",
		},
		[]string{"method", "result"},
	)

	c.remoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Time spent inside remote calls",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		},
		[]string{"method"},
	)

	c.remoteExceptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "exceptions_total",
			Help:      "Total number of exceptions raised by remote calls, by exception kind",
		},
		[]string{"kind"},
	)

	c.attachments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attachments_total",
			Help:      "Total number of attachments to the managed runtime",
		},
		[]string{"executor", "mode"},
	)

	c.liveRefs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refs",
			Name:      "live",
			Help:      "Managed objects currently pinned by global references",
		},
	)

	c.servicesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "services_registered",
			Help:      "Number of services registered with the node",
		},
	)

	c.serviceStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "service_status",
			Help:      "Current status of service (0=unknown, 1=registered, 2=initializing, 3=running, 4=failed)",
		},
		[]string{"service"},
	)

	c.transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "transactions_total",
			Help:      "Total number of transactions by service and outcome",
		},
		[]string{"service", "result"},
	)

	c.blocksCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "blocks_committed_total",
			Help:      "Total number of committed blocks",
		},
	)

	c.afterCommitErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "after_commit_failures_total",
			Help:      "Total number of failed after-commit handlers",
		},
		[]string{"service"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Bridge uptime in seconds",
		},
	)

	c.registry.MustRegister(
		c.remoteCalls,
		c.remoteLatency,
		c.remoteExceptions,
		c.attachments,
		c.liveRefs,
		c.servicesRegistered,
		c.serviceStatus,
		c.transactions,
		c.blocksCommitted,
		c.afterCommitErrors,
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
		c.uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRemoteCall records the outcome and latency of a remote call.
func (c *Collector) RecordRemoteCall(method string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
		if rie, ok := bridgeerr.AsRemoteInvocation(err); ok {
			result = "exception"
			c.remoteExceptions.WithLabelValues(rie.Kind).Inc()
		}
	}
	c.remoteCalls.WithLabelValues(method, result).Inc()
	c.remoteLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAttach records an attachment. Nested attachments reuse an existing
// one.
func (c *Collector) RecordAttach(executor string, nested bool) {
	mode := "fresh"
	if nested {
		mode = "nested"
	}
	c.attachments.WithLabelValues(executor, mode).Inc()
}

// RecordLiveRefs records the size of the reference table.
func (c *Collector) RecordLiveRefs(count int) {
	c.liveRefs.Set(float64(count))
}

// RecordServicesRegistered records the number of registered services.
func (c *Collector) RecordServicesRegistered(count int) {
	c.servicesRegistered.Set(float64(count))
}

// RecordServiceStatus records the current status of a service.
func (c *Collector) RecordServiceStatus(service string, status int) {
	c.serviceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordTransaction records a submitted or executed transaction.
func (c *Collector) RecordTransaction(service, result string) {
	c.transactions.WithLabelValues(service, result).Inc()
}

// RecordBlockCommitted increments the committed block counter.
func (c *Collector) RecordBlockCommitted() {
	c.blocksCommitted.Inc()
}

// RecordAfterCommitFailure records a failed after-commit handler.
func (c *Collector) RecordAfterCommitFailure(service string) {
	c.afterCommitErrors.WithLabelValues(service).Inc()
}

// RecordHTTPRequest records a served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementInFlight increments the in-flight request gauge.
func (c *Collector) IncrementInFlight() { c.httpInFlight.Inc() }

// DecrementInFlight decrements the in-flight request gauge.
func (c *Collector) DecrementInFlight() { c.httpInFlight.Dec() }

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()
	c.uptime.Set(time.Since(start).Seconds())
}

// Reset resets gauges.
func (c *Collector) Reset() {
	c.liveRefs.Set(0)
	c.servicesRegistered.Set(0)
	c.serviceStatus.Reset()
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
}

// NoOpCollector is a metrics collector that discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordRemoteCall(method string, d time.Duration, err error) {}
func (*NoOpCollector) RecordAttach(executor string, nested bool)                  {}
func (*NoOpCollector) RecordLiveRefs(count int)                                   {}
func (*NoOpCollector) RecordServicesRegistered(count int)                         {}
func (*NoOpCollector) RecordServiceStatus(service string, status int)             {}
func (*NoOpCollector) RecordTransaction(service, result string)                   {}
func (*NoOpCollector) RecordBlockCommitted()                                      {}
func (*NoOpCollector) RecordAfterCommitFailure(service string)                    {}
func (*NoOpCollector) RecordHTTPRequest(m, p, s string, d time.Duration)          {}
func (*NoOpCollector) IncrementInFlight()                                         {}
func (*NoOpCollector) DecrementInFlight()                                         {}
func (*NoOpCollector) UpdateUptime()                                              {}
func (*NoOpCollector) Reset()                                                     {}

// MetricsCollector is the interface for metrics collection.
type MetricsCollector interface {
	RecordRemoteCall(method string, duration time.Duration, err error)
	RecordAttach(executor string, nested bool)
	RecordLiveRefs(count int)
	RecordServicesRegistered(count int)
	RecordServiceStatus(service string, status int)
	RecordTransaction(service, result string)
	RecordBlockCommitted()
	RecordAfterCommitFailure(service string)
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncrementInFlight()
	DecrementInFlight()
	UpdateUptime()
	Reset()
}

// Verify interface compliance
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)
