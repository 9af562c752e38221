// Package progress turns byte-count samples into progress events.
//
// The Estimator keeps the previous sample of a session and derives
// percentage, instantaneous speed and estimated time remaining. The
// Aggregator sums the live byte counters of concurrently uploaded parts into
// one session-wide figure.
package progress

import (
	"sync"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

type sample struct {
	at    time.Time
	bytes int64
}

// Estimator computes progress for one session.
//
// Thread Safety: Observe is safe for concurrent use. Samples are serialized
// and samples that do not advance the byte count are dropped, so the
// emitted percentages never decrease.
type Estimator struct {
	total int64

	mu   sync.Mutex
	prev *sample
	last *capturetypes.Progress
}

// NewEstimator creates an estimator for a payload of total bytes.
func NewEstimator(total int64) *Estimator {
	return &Estimator{total: total}
}

// Observe records a sample and returns the resulting progress. The second
// return value is false when the sample did not advance beyond the previous
// one and should not be reported.
func (e *Estimator) Observe(at time.Time, bytes int64) (capturetypes.Progress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bytes > e.total {
		bytes = e.total
	}
	if bytes < 0 {
		bytes = 0
	}

	// Byte counters never regress; a retried attempt restarting from zero
	// keeps the previous figure until it catches up.
	if e.prev != nil && bytes <= e.prev.bytes {
		return e.lastOrZero(), false
	}

	p := capturetypes.Progress{
		Percentage:  percentage(bytes, e.total),
		BytesLoaded: bytes,
		BytesTotal:  e.total,
	}

	if e.prev != nil {
		dt := at.Sub(e.prev.at).Seconds()
		if dt > 0 {
			speed := float64(bytes-e.prev.bytes) / dt
			p.Speed = &speed
			if speed > 0 {
				eta := float64(e.total-bytes) / speed
				p.ETASeconds = &eta
			}
		}
	}

	e.prev = &sample{at: at, bytes: bytes}
	e.last = &p
	return p, true
}

// Last returns the most recently reported progress.
func (e *Estimator) Last() capturetypes.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOrZero()
}

func (e *Estimator) lastOrZero() capturetypes.Progress {
	if e.last == nil {
		return capturetypes.Progress{BytesTotal: e.total}
	}
	return *e.last
}

func percentage(bytes, total int64) float64 {
	if total <= 0 {
		return 100
	}
	if bytes >= total {
		return 100
	}
	return float64(bytes) / float64(total) * 100
}

// Aggregator sums per-part byte counters into a session-wide count.
// Part 0 is used for single-shot transfers.
//
// Thread Safety: Aggregator is safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	parts map[int]int64
	sum   int64
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{parts: make(map[int]int64)}
}

// Set records the bytes sent so far for one part and returns the aggregate.
func (a *Aggregator) Set(part int, bytes int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum += bytes - a.parts[part]
	a.parts[part] = bytes
	return a.sum
}

// Total returns the aggregate byte count.
func (a *Aggregator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sum
}
