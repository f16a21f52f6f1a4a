// Package metrics provides Prometheus metrics collection for GeoGate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for GeoGate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Admission metrics
	ReferrerDenials *prometheus.CounterVec
	RateDenials     *prometheus.CounterVec

	// Token metrics
	TokenAcquisitions *prometheus.CounterVec
	AuthRetries       *prometheus.CounterVec

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	UpstreamInFlight prometheus.Gauge

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"resource", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "geogate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"resource", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geogate",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		ReferrerDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "referrer_denials_total",
				Help:      "Total requests denied by the referrer allow list",
			},
			[]string{"resource"},
		),
		RateDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "rate_denials_total",
				Help:      "Total requests denied by the rate meter",
			},
			[]string{"resource", "referrer"},
		),
		TokenAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "token_acquisitions_total",
				Help:      "Total token acquisitions by credential flow and outcome",
			},
			[]string{"flow", "outcome"},
		),
		AuthRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "auth_retries_total",
				Help:      "Total one-shot retries after an upstream auth-expiry response",
			},
			[]string{"resource"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "geogate",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors",
			},
			[]string{"type"},
		),
		UpstreamInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geogate",
				Name:      "upstream_requests_in_flight",
				Help:      "Number of requests currently being sent to upstream",
			},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "geogate",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geogate",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}
