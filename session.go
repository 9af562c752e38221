package capture

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/progress"
)

// session is the mutable run-time record of one upload.
type session struct {
	id        string
	req       *capturetypes.UploadRequest
	callbacks capturetypes.Callbacks
	createdAt time.Time
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// cancelled is the cooperative cancellation flag read at checkpoints
	cancelled atomic.Bool

	// done is closed once the outcome is delivered
	done chan struct{}

	// mu protects the fields below
	mu          sync.Mutex
	state       capturetypes.State
	contentType string
	grant       *capturetypes.WriteGrant
	attempt     int
	bytes       int64
	parts       []capturetypes.PartResult
	outcome     *capturetypes.Outcome
	updatedAt   time.Time
	reaper      *time.Timer

	// progressMu serializes progress delivery and the terminal callback
	progressMu sync.Mutex
	estimator  *progress.Estimator
	aggregate  *progress.Aggregator
	finished   bool
}

func newSession(
	ctx context.Context,
	id string,
	req *capturetypes.UploadRequest,
	callbacks capturetypes.Callbacks,
	logger *slog.Logger,
	now func() time.Time,
) *session {
	sctx, cancel := context.WithCancel(ctx)
	created := now()
	return &session{
		id:          id,
		req:         req,
		callbacks:   callbacks,
		createdAt:   created,
		logger:      logger.With("session_id", id, "case_id", req.CaseID, "kind", req.Kind),
		now:         now,
		ctx:         sctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       capturetypes.StateCreated,
		contentType: req.ContentType,
		updatedAt:   created,
		estimator:   progress.NewEstimator(req.Size),
		aggregate:   progress.NewAggregator(),
	}
}

// setState moves the session to state. Terminal states are final.
func (s *session) setState(state capturetypes.State) {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == state {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = state
	s.updatedAt = s.now()
	s.mu.Unlock()

	s.logger.Debug("session state changed", "from", from, "to", state)
}

func (s *session) currentState() capturetypes.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setAttempt(n int) {
	s.mu.Lock()
	s.attempt = n
	s.mu.Unlock()
}

func (s *session) setGrant(g *capturetypes.WriteGrant) {
	s.mu.Lock()
	s.grant = g
	s.mu.Unlock()
}

func (s *session) setContentType(ct string) {
	s.mu.Lock()
	s.contentType = ct
	s.mu.Unlock()
}

func (s *session) addPart(p capturetypes.PartResult) {
	s.mu.Lock()
	s.parts = append(s.parts, p)
	s.mu.Unlock()
}

// requestCancel sets the cancellation flag and aborts in-flight operations.
// It reports false when the session already finished or is confirming, the
// point past which a cancel can no longer take effect.
func (s *session) requestCancel() bool {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == capturetypes.StateConfirming {
		s.mu.Unlock()
		return false
	}
	s.cancelled.Store(true)
	s.mu.Unlock()

	s.cancel()
	return true
}

// enterConfirming moves the session to Confirming unless a cancel was
// accepted first.
func (s *session) enterConfirming() bool {
	s.mu.Lock()
	if s.cancelled.Load() || s.state.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	from := s.state
	s.state = capturetypes.StateConfirming
	s.updatedAt = s.now()
	s.mu.Unlock()

	s.logger.Debug("session state changed", "from", from, "to", capturetypes.StateConfirming)
	return true
}

func (s *session) isCancelled() bool {
	return s.cancelled.Load() || s.ctx.Err() != nil
}

// reportBytes records the bytes sent so far for one part and delivers the
// aggregate progress. Delivery is serialized so observers see non-decreasing
// percentages, and stops once the outcome is delivered.
func (s *session) reportBytes(part int, n int64) {
	sum := s.aggregate.Set(part, n)

	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	if s.finished {
		return
	}
	p, ok := s.estimator.Observe(s.now(), sum)
	if !ok {
		return
	}

	s.mu.Lock()
	s.bytes = p.BytesLoaded
	if s.state == capturetypes.StateRetrying {
		s.state = capturetypes.StateTransferring
	}
	s.updatedAt = s.now()
	s.mu.Unlock()

	if s.callbacks.OnProgress != nil {
		s.callbacks.OnProgress(p)
	}
}

// completeProgress emits the final 100% event unless it was already delivered.
func (s *session) completeProgress() {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	if s.finished {
		return
	}
	// Not ok means every byte was already reported
	p, ok := s.estimator.Observe(s.now(), s.req.Size)
	if !ok {
		return
	}

	s.mu.Lock()
	s.bytes = p.BytesLoaded
	s.mu.Unlock()

	if s.callbacks.OnProgress != nil {
		s.callbacks.OnProgress(p)
	}
}

// finish records the outcome and invokes exactly one terminal callback.
func (s *session) finish(o *capturetypes.Outcome) {
	s.progressMu.Lock()
	if s.finished {
		s.progressMu.Unlock()
		return
	}
	s.finished = true
	s.progressMu.Unlock()

	state := capturetypes.StateFailed
	switch {
	case o.Success:
		state = capturetypes.StateCompleted
	case o.Kind == errors.KindCancelled:
		state = capturetypes.StateCancelled
	}

	s.mu.Lock()
	s.state = state
	s.outcome = o
	s.updatedAt = s.now()
	s.mu.Unlock()
	s.cancel()

	if o.Success {
		if s.callbacks.OnSuccess != nil {
			s.callbacks.OnSuccess(o)
		}
	} else if s.callbacks.OnError != nil {
		s.callbacks.OnError(o)
	}
	close(s.done)
}

// snapshot returns a read-only copy of the session.
func (s *session) snapshot() *capturetypes.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &capturetypes.SessionSnapshot{
		ID:               s.id,
		CaseID:           s.req.CaseID,
		Kind:             s.req.Kind,
		ContentType:      s.contentType,
		State:            s.state,
		BytesTransferred: s.bytes,
		TotalBytes:       s.req.Size,
		Attempt:          s.attempt,
		Cancelled:        s.cancelled.Load(),
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
		Parts:            slices.Clone(s.parts),
	}
	if s.grant != nil {
		g := *s.grant
		g.Target.Headers = maps.Clone(g.Target.Headers)
		g.Target.FormFields = maps.Clone(g.Target.FormFields)
		snap.Grant = &g
	}
	if s.outcome != nil {
		o := *s.outcome
		o.Parts = slices.Clone(o.Parts)
		snap.Outcome = &o
	}
	slices.SortFunc(snap.Parts, func(a, b capturetypes.PartResult) int {
		return a.PartNumber - b.PartNumber
	})
	return snap
}

func (s *session) stopReaper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reaper != nil {
		s.reaper.Stop()
	}
}
