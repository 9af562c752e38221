// Package metrics exposes upload telemetry as Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// PrometheusObserver records session outcomes and retries.
// It implements capturetypes.Observer.
type PrometheusObserver struct {
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	backoff  *prometheus.HistogramVec
}

// NewPrometheusObserver registers the upload collectors with reg.
// Collectors already registered under the same names are reused, so
// several managers may share one registry.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "duration_seconds",
		Help:      "Time from submission to the terminal state of an upload session.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind", "result"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "sessions_total",
		Help:      "Terminal upload sessions by artifact kind, result and error kind.",
	}, []string{"kind", "result", "error_kind"})

	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "bytes_total",
		Help:      "Bytes confirmed written by completed upload sessions.",
	}, []string{"kind"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "retries_total",
		Help:      "Retried operations by operation name.",
	}, []string{"op"})

	backoff := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upload",
		Name:      "retry_delay_seconds",
		Help:      "Backoff delays applied before retried operations.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op"})

	var err error
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if outcomes, err = register(reg, outcomes); err != nil {
		return nil, err
	}
	if bytes, err = register(reg, bytes); err != nil {
		return nil, err
	}
	if retries, err = register(reg, retries); err != nil {
		return nil, err
	}
	if backoff, err = register(reg, backoff); err != nil {
		return nil, err
	}

	return &PrometheusObserver{
		duration: duration,
		outcomes: outcomes,
		bytes:    bytes,
		retries:  retries,
		backoff:  backoff,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveRetry records one retried operation.
func (o *PrometheusObserver) ObserveRetry(op string, _ int, delay time.Duration) {
	if o == nil {
		return
	}
	o.retries.WithLabelValues(op).Inc()
	o.backoff.WithLabelValues(op).Observe(delay.Seconds())
}

// ObserveOutcome records a terminal session outcome.
func (o *PrometheusObserver) ObserveOutcome(kind capturetypes.ArtifactKind, outcome *capturetypes.Outcome) {
	if o == nil || outcome == nil {
		return
	}
	result := resultFailure
	if outcome.Success {
		result = resultSuccess
		o.bytes.WithLabelValues(string(kind)).Add(float64(outcome.Size))
	}
	o.outcomes.WithLabelValues(string(kind), result, outcome.Kind.String()).Inc()
	o.duration.WithLabelValues(string(kind), result).Observe(outcome.Duration.Seconds())
}

type nopObserver struct{}

func (nopObserver) ObserveRetry(string, int, time.Duration)                         {}
func (nopObserver) ObserveOutcome(capturetypes.ArtifactKind, *capturetypes.Outcome) {}

// Nop returns an observer that discards everything.
func Nop() capturetypes.Observer {
	return nopObserver{}
}
