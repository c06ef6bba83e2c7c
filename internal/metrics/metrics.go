// Package metrics holds the gateway's Prometheus registry and collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the gateway exports. Each Registry owns a
// private prometheus.Registry rather than registering into the global
// DefaultRegisterer, so constructing more than one (as the internal/transport
// test suite does, once per test server) never panics on duplicate
// collector registration.
type Registry struct {
	reg *prometheus.Registry

	BookVersions     *prometheus.CounterVec
	ActiveLeases     *prometheus.GaugeVec
	StreamReconnects *prometheus.CounterVec
	WSConnections    prometheus.Gauge
	TWAPSlices       *prometheus.CounterVec
	TWAPFillQuantity *prometheus.CounterVec
	TWAPOrdersActive prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New constructs and registers every metric.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		BookVersions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xgateway_book_versions_total",
				Help: "Total order-book versions applied, by exchange and symbol",
			},
			[]string{"exchange", "symbol"},
		),
		ActiveLeases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "xgateway_active_leases",
				Help: "Current demand-count leases held, by exchange",
			},
			[]string{"exchange"},
		),
		StreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xgateway_stream_reconnects_total",
				Help: "Total upstream stream reconnect attempts, by exchange",
			},
			[]string{"exchange"},
		),
		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "xgateway_client_ws_connections",
				Help: "Current number of client-facing WebSocket sessions",
			},
		),
		TWAPSlices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xgateway_twap_slices_total",
				Help: "Total TWAP slices executed or skipped, by result",
			},
			[]string{"result"},
		),
		TWAPFillQuantity: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xgateway_twap_fill_quantity_total",
				Help: "Total TWAP quantity filled, by exchange and side",
			},
			[]string{"exchange", "side"},
		),
		TWAPOrdersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "xgateway_twap_orders_active",
				Help: "Current number of open TWAP orders",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xgateway_http_requests_total",
				Help: "Total HTTP requests, by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xgateway_http_duration_seconds",
				Help:    "HTTP request duration in seconds, by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route"},
		),
	}

	r.reg.MustRegister(
		r.BookVersions,
		r.ActiveLeases,
		r.StreamReconnects,
		r.WSConnections,
		r.TWAPSlices,
		r.TWAPFillQuantity,
		r.TWAPOrdersActive,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Handler exposes the registry over /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
