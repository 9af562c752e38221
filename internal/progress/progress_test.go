// Package progress provides unit tests for progress estimation.
package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Observe(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEstimator(1000)

	// First sample has no speed or ETA
	p, ok := e.Observe(start, 100)
	require.True(t, ok)
	assert.InDelta(t, 10.0, p.Percentage, 0.0001)
	assert.Equal(t, int64(100), p.BytesLoaded)
	assert.Equal(t, int64(1000), p.BytesTotal)
	assert.Nil(t, p.Speed)
	assert.Nil(t, p.ETASeconds)

	// Second sample one second later: 300 B/s, 600 bytes remaining
	p, ok = e.Observe(start.Add(time.Second), 400)
	require.True(t, ok)
	assert.InDelta(t, 40.0, p.Percentage, 0.0001)
	require.NotNil(t, p.Speed)
	assert.InDelta(t, 300.0, *p.Speed, 0.0001)
	require.NotNil(t, p.ETASeconds)
	assert.InDelta(t, 2.0, *p.ETASeconds, 0.0001)

	// Same timestamp: speed is undefined and omitted
	p, ok = e.Observe(start.Add(time.Second), 500)
	require.True(t, ok)
	assert.Nil(t, p.Speed)
	assert.Nil(t, p.ETASeconds)

	// Completion
	p, ok = e.Observe(start.Add(2*time.Second), 1000)
	require.True(t, ok)
	assert.Equal(t, 100.0, p.Percentage)
	require.NotNil(t, p.ETASeconds)
	assert.Equal(t, 0.0, *p.ETASeconds)
}

func TestEstimator_NeverRegresses(t *testing.T) {
	start := time.Now()
	e := NewEstimator(100)

	_, ok := e.Observe(start, 60)
	require.True(t, ok)

	// A retried attempt restarting from zero is not reported
	p, ok := e.Observe(start.Add(time.Second), 10)
	assert.False(t, ok)
	assert.Equal(t, int64(60), p.BytesLoaded)

	_, ok = e.Observe(start.Add(2*time.Second), 60)
	assert.False(t, ok)

	p, ok = e.Observe(start.Add(3*time.Second), 70)
	assert.True(t, ok)
	assert.InDelta(t, 70.0, p.Percentage, 0.0001)
	assert.Equal(t, int64(70), e.Last().BytesLoaded)
}

func TestEstimator_ClampsAndZeroTotal(t *testing.T) {
	e := NewEstimator(100)
	p, ok := e.Observe(time.Now(), 150)
	require.True(t, ok)
	assert.Equal(t, int64(100), p.BytesLoaded)
	assert.Equal(t, 100.0, p.Percentage)

	empty := NewEstimator(0)
	assert.Equal(t, int64(0), empty.Last().BytesLoaded)
	assert.Equal(t, 100.0, percentage(0, 0))
}

func TestEstimator_ConcurrentSamplesMonotonic(t *testing.T) {
	const total = 10000
	e := NewEstimator(total)
	agg := NewAggregator()

	var (
		mu       sync.Mutex
		reported []float64
		wg       sync.WaitGroup
	)
	for part := 1; part <= 10; part++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			for b := int64(100); b <= 1000; b += 100 {
				sum := agg.Set(part, b)
				// Report under the same lock that serializes delivery
				mu.Lock()
				if p, ok := e.Observe(time.Now(), sum); ok {
					reported = append(reported, p.Percentage)
				}
				mu.Unlock()
			}
		}(part)
	}
	wg.Wait()

	require.NotEmpty(t, reported)
	for i := 1; i < len(reported); i++ {
		assert.GreaterOrEqual(t, reported[i], reported[i-1])
	}
	assert.Equal(t, 100.0, reported[len(reported)-1])
	assert.Equal(t, int64(total), agg.Total())
}

func TestAggregator_Set(t *testing.T) {
	a := NewAggregator()
	assert.Equal(t, int64(10), a.Set(1, 10))
	assert.Equal(t, int64(30), a.Set(2, 20))
	assert.Equal(t, int64(35), a.Set(1, 15))
	// A retried part restarting lowers its own counter
	assert.Equal(t, int64(20), a.Set(1, 0))
	assert.Equal(t, int64(20), a.Total())
}
