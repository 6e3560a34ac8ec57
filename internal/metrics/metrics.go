package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the query gateway.
type Collector struct {
	Registry *prometheus.Registry

	queriesTotal      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	sessionsActive    *prometheus.GaugeVec
	sessionsCreated   *prometheus.CounterVec
	sessionsEvicted   prometheus.Counter
	rateLimitDenied   *prometheus.CounterVec
	adapterHealth     *prometheus.GaugeVec
	cleanupRuns       *prometheus.CounterVec
	signatureFailures prometheus.Counter
}

// New creates and registers all Prometheus metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_queries_total",
				Help: "Number of executed queries by engine kind and outcome",
			},
			[]string{"kind", "status"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querygate_query_duration_seconds",
				Help:    "Duration of query execution in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"kind"},
		),
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "querygate_sessions_active",
				Help: "Number of live sessions per engine kind",
			},
			[]string{"kind"},
		),
		sessionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_sessions_created_total",
				Help: "Number of sessions created per engine kind",
			},
			[]string{"kind"},
		),
		sessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "querygate_sessions_evicted_total",
				Help: "Number of sessions closed by idle eviction",
			},
		),
		rateLimitDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_rate_limit_denied_total",
				Help: "Number of requests denied by the rate limiter",
			},
			[]string{"class"},
		),
		adapterHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "querygate_adapter_health",
				Help: "Adapter health per session (1=healthy, 0=unhealthy)",
			},
			[]string{"kind"},
		),
		cleanupRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_cleanup_runs_total",
				Help: "Number of cleanup runs by outcome",
			},
			[]string{"status"},
		),
		signatureFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "querygate_signature_failures_total",
				Help: "Number of rejected request signatures",
			},
		),
	}

	c.Registry.MustRegister(
		c.queriesTotal,
		c.queryDuration,
		c.sessionsActive,
		c.sessionsCreated,
		c.sessionsEvicted,
		c.rateLimitDenied,
		c.adapterHealth,
		c.cleanupRuns,
		c.signatureFailures,
	)

	return c
}

// QueryExecuted records an executed query and its duration.
func (c *Collector) QueryExecuted(kind string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.queriesTotal.WithLabelValues(kind, status).Inc()
	c.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SessionOpened increments session gauges for a kind.
func (c *Collector) SessionOpened(kind string) {
	c.sessionsActive.WithLabelValues(kind).Inc()
	c.sessionsCreated.WithLabelValues(kind).Inc()
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed(kind string) {
	c.sessionsActive.WithLabelValues(kind).Dec()
}

// SessionEvicted records an idle eviction.
func (c *Collector) SessionEvicted() {
	c.sessionsEvicted.Inc()
}

// RateLimitDenied records a denial for a limiter class ("query" or "connection").
func (c *Collector) RateLimitDenied(class string) {
	c.rateLimitDenied.WithLabelValues(class).Inc()
}

// SetAdapterHealth sets the health gauge for an engine kind.
func (c *Collector) SetAdapterHealth(kind string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.adapterHealth.WithLabelValues(kind).Set(val)
}

// CleanupRun records a cleanup pass.
func (c *Collector) CleanupRun(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.cleanupRuns.WithLabelValues(status).Inc()
}

// SignatureRejected records a failed signature verification.
func (c *Collector) SignatureRejected() {
	c.signatureFailures.Inc()
}
