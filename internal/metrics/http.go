package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics records broker API requests.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pruned   prometheus.Counter
}

// NewHTTPMetrics registers the broker API collectors with reg.
func NewHTTPMetrics(namespace string, reg prometheus.Registerer) (*HTTPMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "requests_total",
		Help:      "Broker API requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "request_duration_seconds",
		Help:      "Broker API request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	pruned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "grants_pruned_total",
		Help:      "Expired grants dropped by the pruning loop.",
	})

	var err error
	if requests, err = register(reg, requests); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if pruned, err = register(reg, pruned); err != nil {
		return nil, err
	}

	return &HTTPMetrics{requests: requests, duration: duration, pruned: pruned}, nil
}

// ObserveRequest records one served request.
func (m *HTTPMetrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObservePruned records grants dropped by one pruning pass.
func (m *HTTPMetrics) ObservePruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}
