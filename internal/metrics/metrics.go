package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// Assignments counts assignment attempts by method and outcome
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_assignments_total", Help: "Assignment attempts by method and outcome."},
		[]string{"method", "outcome"},
	)
	// Optimizations counts optimizer runs by mode and result (applied, partial, superseded, preview, error)
	Optimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_route_optimizations_total", Help: "Route optimizations by mode and result."},
		[]string{"mode", "result"},
	)
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "dispatch_route_optimization_seconds", Help: "Optimizer wall time.", Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2}},
		[]string{"mode"},
	)
	// Pings counts location pings by result (accepted, stale, invalid, unknown_driver)
	Pings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_location_pings_total", Help: "Location pings by result."},
		[]string{"source", "result"},
	)
	AlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_alerts_raised_total", Help: "Alerts created by type and severity."},
		[]string{"type", "severity"},
	)
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "dispatch_sweep_seconds", Help: "Periodic sweep duration.", Buckets: prometheus.DefBuckets},
		[]string{"sweep"},
	)
	ZonesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_zones_loaded", Help: "Zones in the current geo index snapshot."})
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(Assignments, Optimizations, OptimizationDuration, Pings, AlertsRaised, SweepDuration, ZonesLoaded)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
