package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	reloadsTotal      *prometheus.CounterVec
	rollbacksTotal    prometheus.Counter
	applyDuration     prometheus.Histogram
	generation        prometheus.Gauge
	processAlive      prometheus.Gauge
	configuredTunnels prometheus.Gauge
	activeConnections *prometheus.GaugeVec
	requestsTotal     *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avtunnel"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Total number of reload attempts by result",
		},
		[]string{"result"},
	)

	m.rollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of on-disk configuration rollbacks",
		},
	)

	m.applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Duration of configuration apply operations in seconds",
			Buckets: []float64{
				.005, .01, .025, .05, .1,
				.25, .5, 1, 2.5, 5, 10,
			},
		},
	)

	m.generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_generation",
			Help:      "Generation counter of the committed configuration",
		},
	)

	m.processAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_alive",
			Help:      "Whether the tunneling process is running (1=alive, 0=down)",
		},
	)

	m.configuredTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configured_tunnels",
			Help:      "Number of tunnel services in the committed configuration",
		},
	)

	m.activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Established connections per tunnel service",
		},
		[]string{"service"},
	)

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of control API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.registry.MustRegister(
		m.reloadsTotal,
		m.rollbacksTotal,
		m.applyDuration,
		m.generation,
		m.processAlive,
		m.configuredTunnels,
		m.activeConnections,
		m.requestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordReload records the outcome of a reload attempt.
func (m *Metrics) RecordReload(result string, duration time.Duration) {
	m.reloadsTotal.WithLabelValues(result).Inc()
	m.applyDuration.Observe(duration.Seconds())
}

// RecordRollback records an on-disk configuration rollback.
func (m *Metrics) RecordRollback() {
	m.rollbacksTotal.Inc()
}

// SetGeneration sets the committed configuration generation.
func (m *Metrics) SetGeneration(gen uint64) {
	m.generation.Set(float64(gen))
}

// SetProcessAlive records the liveness of the tunneling process.
func (m *Metrics) SetProcessAlive(alive bool) {
	if alive {
		m.processAlive.Set(1)
	} else {
		m.processAlive.Set(0)
	}
}

// SetConfiguredTunnels sets the number of configured tunnel services.
func (m *Metrics) SetConfiguredTunnels(n int) {
	m.configuredTunnels.Set(float64(n))
}

// SetActiveConnections sets the established connection count for a service.
func (m *Metrics) SetActiveConnections(service string, n int) {
	m.activeConnections.WithLabelValues(service).Set(float64(n))
}

// RemoveService drops per-service series for a removed tunnel.
func (m *Metrics) RemoveService(service string) {
	m.activeConnections.DeleteLabelValues(service)
}

// RecordRequest records a control API request.
func (m *Metrics) RecordRequest(method, path, status string) {
	m.requestsTotal.WithLabelValues(method, path, status).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
