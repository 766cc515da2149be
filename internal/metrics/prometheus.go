package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for lattice metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Routing
	routingTotal    *prometheus.CounterVec
	routingDuration *prometheus.HistogramVec
	fanout          *prometheus.HistogramVec
	droppedErrors   *prometheus.CounterVec

	// Mesh
	activeConnections prometheus.Gauge
	hostedBindings    prometheus.Gauge
	registeredNodes   prometheus.Gauge
	peerEvents        *prometheus.CounterVec
	poolSize          *prometheus.GaugeVec

	// Discovery and control
	discoveryRefresh *prometheus.CounterVec
	discoveryHosts   prometheus.Gauge
	controlRequests  *prometheus.CounterVec

	// Remote invocations served by this instance
	servedTotal *prometheus.CounterVec
}

// Default histogram buckets for routing duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		routingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_invocations_total",
				Help:      "Total routed invocations",
			},
			[]string{"strategy", "convention", "status"},
		),

		routingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "routing_duration_milliseconds",
				Help:      "Duration of routed invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"strategy", "convention"},
		),

		fanout: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "routing_fanout_targets",
				Help:      "Number of target nodes per routed invocation",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"strategy"},
		),

		droppedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_dropped_errors_total",
				Help:      "Aggregate errors logged but not reported to the caller",
			},
			[]string{"strategy"},
		),

		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Peer instances with an active connection",
			},
		),

		hostedBindings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hosted_bindings",
				Help:      "Nodes bound on this instance",
			},
		),

		registeredNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_nodes",
				Help:      "Remote nodes with a registered invoker",
			},
		),

		peerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_events_total",
				Help:      "Peer connect, update and disconnect events",
			},
			[]string{"event"},
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections",
				Help:      "Connections held by a pool",
			},
			[]string{"pool", "state"},
		),

		discoveryRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_refresh_total",
				Help:      "Discovery refresh attempts",
			},
			[]string{"mode", "status"},
		),

		discoveryHosts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "discovery_known_hosts",
				Help:      "Hosts returned by the last discovery refresh",
			},
		),

		controlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_requests_total",
				Help:      "Control protocol requests by command and response code",
			},
			[]string{"command", "code"},
		),

		servedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "served_invocations_total",
				Help:      "Invocations served by locally bound nodes",
			},
			[]string{"method", "status"},
		),
	}

	registry.MustRegister(
		pm.routingTotal,
		pm.routingDuration,
		pm.fanout,
		pm.droppedErrors,
		pm.activeConnections,
		pm.hostedBindings,
		pm.registeredNodes,
		pm.peerEvents,
		pm.poolSize,
		pm.discoveryRefresh,
		pm.discoveryHosts,
		pm.controlRequests,
		pm.servedTotal,
	)

	promMetrics = pm
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

func recordPrometheusRouting(strategy, convention string, targets int, duration time.Duration, err error) {
	if promMetrics == nil {
		return
	}
	promMetrics.routingTotal.WithLabelValues(strategy, convention, status(err)).Inc()
	promMetrics.routingDuration.WithLabelValues(strategy, convention).Observe(float64(duration.Microseconds()) / 1000)
	promMetrics.fanout.WithLabelValues(strategy).Observe(float64(targets))
}

func recordPrometheusDroppedError(strategy string) {
	if promMetrics == nil {
		return
	}
	promMetrics.droppedErrors.WithLabelValues(strategy).Inc()
}

func recordPrometheusPeerEvent(event string) {
	if promMetrics == nil {
		return
	}
	promMetrics.peerEvents.WithLabelValues(event).Inc()
}

// RecordPeerUpdated records a peer whose hosted node set changed.
func RecordPeerUpdated() {
	recordPrometheusPeerEvent("update")
}

// SetActiveConnections sets the number of connected peer instances
func SetActiveConnections(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConnections.Set(float64(n))
}

// SetHostedBindings sets the number of locally bound nodes
func SetHostedBindings(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.hostedBindings.Set(float64(n))
}

// SetRegisteredNodes sets the number of remote nodes in the invoker registry
func SetRegisteredNodes(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.registeredNodes.Set(float64(n))
}

// SetPoolSize sets idle and busy connection gauges for a pool
func SetPoolSize(pool string, idle, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.WithLabelValues(pool, "idle").Set(float64(idle))
	promMetrics.poolSize.WithLabelValues(pool, "busy").Set(float64(busy))
}

// DeletePoolSize drops the gauges of a closed pool
func DeletePoolSize(pool string) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolSize.DeleteLabelValues(pool, "idle")
	promMetrics.poolSize.DeleteLabelValues(pool, "busy")
}

// RecordDiscoveryRefresh records one discovery lookup
func RecordDiscoveryRefresh(mode string, hosts int, err error) {
	if promMetrics == nil {
		return
	}
	promMetrics.discoveryRefresh.WithLabelValues(mode, status(err)).Inc()
	if err == nil {
		promMetrics.discoveryHosts.Set(float64(hosts))
	}
}

// RecordControlRequest records one control protocol request
func RecordControlRequest(command, code string) {
	if promMetrics == nil {
		return
	}
	promMetrics.controlRequests.WithLabelValues(command, code).Inc()
}

// RecordServedInvocation records one invocation handled by a local binding
func RecordServedInvocation(method string, err error) {
	if promMetrics == nil {
		return
	}
	promMetrics.servedTotal.WithLabelValues(method, status(err)).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
