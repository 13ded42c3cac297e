package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for iron-veil.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive   prometheus.Gauge
	connectionsTotal    *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	maskedFields        *prometheus.CounterVec
	queriesObserved     *prometheus.CounterVec
	upstreamHealthy     prometheus.Gauge
	healthProbeDuration prometheus.Histogram
	healthProbeFailures prometheus.Counter
}

// New creates and registers all metrics on a fresh registry. Each call
// creates an independent registry, so tests can construct collectors freely.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ironveil_connections_active",
			Help: "Number of proxied connections currently open",
		}),
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironveil_connections_total",
				Help: "Total accepted connections by protocol",
			},
			[]string{"protocol"},
		),
		connectionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironveil_connections_rejected_total",
				Help: "Connections refused at admission",
			},
			[]string{"reason"},
		),
		maskedFields: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironveil_masked_fields_total",
				Help: "Row cells rewritten, by masking strategy",
			},
			[]string{"strategy"},
		),
		queriesObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironveil_queries_observed_total",
				Help: "Query-carrying frames forwarded, by protocol",
			},
			[]string{"protocol"},
		),
		upstreamHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ironveil_upstream_healthy",
			Help: "Upstream health flag (1=healthy, 0=unhealthy)",
		}),
		healthProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ironveil_health_probe_duration_seconds",
			Help:    "Duration of upstream connect probes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		healthProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ironveil_health_probe_failures_total",
			Help: "Failed upstream connect probes",
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.connectionsRejected,
		c.maskedFields,
		c.queriesObserved,
		c.upstreamHealthy,
		c.healthProbeDuration,
		c.healthProbeFailures,
	)
	return c
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened(protocol string) {
	c.connectionsActive.Inc()
	c.connectionsTotal.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records a finished connection.
func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// ConnectionRejected records an admission refusal ("rate_limit" or
// "max_connections").
func (c *Collector) ConnectionRejected(reason string) {
	c.connectionsRejected.WithLabelValues(reason).Inc()
}

// MaskApplied records one rewritten cell.
func (c *Collector) MaskApplied(strategy string) {
	c.maskedFields.WithLabelValues(strategy).Inc()
}

// QueryObserved records a forwarded query-carrying frame.
func (c *Collector) QueryObserved(protocol string) {
	c.queriesObserved.WithLabelValues(protocol).Inc()
}

// SetUpstreamHealthy publishes the health flag.
func (c *Collector) SetUpstreamHealthy(healthy bool) {
	if healthy {
		c.upstreamHealthy.Set(1)
	} else {
		c.upstreamHealthy.Set(0)
	}
}

// ProbeCompleted records one upstream probe attempt.
func (c *Collector) ProbeCompleted(elapsed time.Duration, ok bool) {
	c.healthProbeDuration.Observe(elapsed.Seconds())
	if !ok {
		c.healthProbeFailures.Inc()
	}
}
