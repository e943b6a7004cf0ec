package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Middleware collects the metrics of HTTP handlers.
type Middleware struct {
	buckets  []float64
	registry prometheus.Registerer
}

// NewMiddleware creates a Middleware registering its metrics on registry.
func NewMiddleware(registry prometheus.Registerer) *Middleware {
	return &Middleware{
		// Requests are served from memory. Max of 2.56s.
		buckets:  prometheus.ExponentialBuckets(0.005, 2, 10),
		registry: registry,
	}
}

// Monitor wraps handler to count its requests and time them.
//
// It panics if called twice with the same handler name.
func (m *Middleware) Monitor(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)
	labels := []string{"method", "code"}

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Tracks the number of HTTP requests.",
		}, labels,
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests.",
			Buckets: m.buckets,
		},
		labels,
	)

	return promhttp.InstrumentHandlerCounter(
		requestsTotal,
		promhttp.InstrumentHandlerDuration(requestDuration, handler),
	)
}
