package testutil

import (
	"sync"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// ProgressRecorder records session callbacks for assertions.
//
// Thread Safety: ProgressRecorder is safe for concurrent use.
type ProgressRecorder struct {
	mu        sync.Mutex
	progress  []capturetypes.Progress
	successes []*capturetypes.Outcome
	failures  []*capturetypes.Outcome
	done      chan struct{}
	once      sync.Once

	// OnProgress, when set, is called after each recorded progress event
	OnProgress func(capturetypes.Progress)
}

// NewProgressRecorder creates an empty recorder.
func NewProgressRecorder() *ProgressRecorder {
	return &ProgressRecorder{done: make(chan struct{})}
}

// Callbacks returns callbacks that feed the recorder.
func (r *ProgressRecorder) Callbacks() capturetypes.Callbacks {
	return capturetypes.Callbacks{
		OnProgress: func(p capturetypes.Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			hook := r.OnProgress
			r.mu.Unlock()
			if hook != nil {
				hook(p)
			}
		},
		OnSuccess: func(o *capturetypes.Outcome) {
			r.mu.Lock()
			r.successes = append(r.successes, o)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
		OnError: func(o *capturetypes.Outcome) {
			r.mu.Lock()
			r.failures = append(r.failures, o)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

// Done is closed after the first terminal callback.
func (r *ProgressRecorder) Done() <-chan struct{} {
	return r.done
}

// Progress returns the recorded progress events.
func (r *ProgressRecorder) Progress() []capturetypes.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturetypes.Progress(nil), r.progress...)
}

// Percentages returns the recorded progress percentages in order.
func (r *ProgressRecorder) Percentages() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.progress))
	for i, p := range r.progress {
		out[i] = p.Percentage
	}
	return out
}

// Successes returns the outcomes delivered to OnSuccess.
func (r *ProgressRecorder) Successes() []*capturetypes.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*capturetypes.Outcome(nil), r.successes...)
}

// Failures returns the outcomes delivered to OnError.
func (r *ProgressRecorder) Failures() []*capturetypes.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*capturetypes.Outcome(nil), r.failures...)
}

// Terminal returns the number of terminal callbacks received.
func (r *ProgressRecorder) Terminal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes) + len(r.failures)
}
