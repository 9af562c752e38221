package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

func TestPrometheusObserver_ObserveOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver("capture", reg)
	require.NoError(t, err)

	obs.ObserveOutcome(capturetypes.KindScreenshot, &capturetypes.Outcome{
		Success:  true,
		Size:     2048,
		Duration: 300 * time.Millisecond,
	})
	obs.ObserveOutcome(capturetypes.KindVideo, &capturetypes.Outcome{
		Kind:     errors.KindTransfer,
		Duration: time.Second,
	})
	obs.ObserveOutcome(capturetypes.KindVideo, nil)

	assert.Equal(t, 1.0, promtest.ToFloat64(obs.outcomes.WithLabelValues("screenshot", "success", "NONE")))
	assert.Equal(t, 1.0, promtest.ToFloat64(obs.outcomes.WithLabelValues("video", "failure", "TRANSFER")))
	assert.Equal(t, 2048.0, promtest.ToFloat64(obs.bytes.WithLabelValues("screenshot")))
	assert.Equal(t, 0.0, promtest.ToFloat64(obs.bytes.WithLabelValues("video")))
	assert.Equal(t, 2, promtest.CollectAndCount(obs.duration))
}

func TestPrometheusObserver_ObserveRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver("capture", reg)
	require.NoError(t, err)

	obs.ObserveRetry("write", 1, 100*time.Millisecond)
	obs.ObserveRetry("write", 2, 200*time.Millisecond)
	obs.ObserveRetry("uploadPart", 1, 100*time.Millisecond)

	assert.Equal(t, 2.0, promtest.ToFloat64(obs.retries.WithLabelValues("write")))
	assert.Equal(t, 1.0, promtest.ToFloat64(obs.retries.WithLabelValues("uploadPart")))
}

func TestNewPrometheusObserver_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusObserver("capture", reg)
	require.NoError(t, err)
	second, err := NewPrometheusObserver("capture", reg)
	require.NoError(t, err)

	first.ObserveRetry("write", 1, time.Millisecond)
	second.ObserveRetry("write", 1, time.Millisecond)

	// Both observers feed the same collector
	assert.Equal(t, 2.0, promtest.ToFloat64(first.retries.WithLabelValues("write")))
}

func TestObserver_NilSafe(t *testing.T) {
	var obs *PrometheusObserver
	assert.NotPanics(t, func() {
		obs.ObserveRetry("write", 1, time.Second)
		obs.ObserveOutcome(capturetypes.KindVideo, &capturetypes.Outcome{})
	})
	assert.NotPanics(t, func() {
		Nop().ObserveRetry("write", 1, time.Second)
		Nop().ObserveOutcome(capturetypes.KindVideo, &capturetypes.Outcome{})
	})
}
