package capture

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/operations/upload"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/retry"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/validation"
)

const (
	opSubmit     = "submit"
	opValidate   = "validate"
	opChecksum   = "checksum"
	opConfirm    = "confirm"
	opStatus     = "status"
	opWait       = "wait"
	opUploadFile = "uploadFile"
)

// Submit starts an upload session and returns its id. The session runs in
// the background; callbacks report its progress and its single outcome.
// Cancelling ctx cancels the session.
func (m *Manager) Submit(
	ctx context.Context,
	req *capturetypes.UploadRequest,
	callbacks capturetypes.Callbacks,
) (string, error) {
	s, err := m.submit(ctx, req, callbacks)
	if err != nil {
		return "", err
	}
	return s.id, nil
}

func (m *Manager) submit(
	ctx context.Context,
	req *capturetypes.UploadRequest,
	callbacks capturetypes.Callbacks,
) (*session, error) {
	if req == nil {
		return nil, errors.NewValidationError(opSubmit, []string{"request is required"})
	}

	id := uuid.NewString()
	s := newSession(ctx, id, req, callbacks, m.logger, m.now)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.cancel()
		return nil, errors.NewError(opSubmit, errors.KindInternal, errors.ErrManagerClosed)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	s.logger.Info("upload submitted", "size", req.Size)

	go m.run(s)
	return s, nil
}

// Cancel requests cancellation of a session. No new attempt or part starts
// afterwards and in-flight requests are aborted; the session ends Cancelled.
// It reports false when the session is unknown, already finished or
// confirming, since a confirmed write can no longer be cancelled.
func (m *Manager) Cancel(id string) bool {
	s, ok := m.lookup(id)
	if !ok {
		return false
	}
	if !s.requestCancel() {
		return false
	}
	s.logger.Info("upload cancellation requested")
	return true
}

// Status returns a snapshot of a session. Finished sessions stay visible for
// the configured grace period.
func (m *Manager) Status(id string) (*capturetypes.SessionSnapshot, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, errors.NewError(opStatus, errors.KindInternal, errors.ErrSessionNotFound).WithSession(id)
	}
	return s.snapshot(), nil
}

// Wait blocks until the session finishes or ctx ends and returns its outcome.
// The outcome's Err carries the failure of an unsuccessful session.
func (m *Manager) Wait(ctx context.Context, id string) (*capturetypes.Outcome, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, errors.NewError(opWait, errors.KindInternal, errors.ErrSessionNotFound).WithSession(id)
	}
	select {
	case <-s.done:
		return s.snapshot().Outcome, nil
	case <-ctx.Done():
		return nil, errors.NewCancelledError(opWait, ctx.Err()).WithSession(id)
	}
}

// Upload submits a session and waits for its outcome. The error is the
// outcome's failure, so callers can branch on errors.KindOf. Cancelling ctx
// cancels the session, and Upload still returns its Cancelled outcome.
func (m *Manager) Upload(
	ctx context.Context,
	req *capturetypes.UploadRequest,
	callbacks capturetypes.Callbacks,
) (*capturetypes.Outcome, error) {
	s, err := m.submit(ctx, req, callbacks)
	if err != nil {
		return nil, err
	}
	<-s.done
	outcome := s.snapshot().Outcome
	return outcome, outcome.Err
}

// FileOption configures UploadFile.
type FileOption func(*capturetypes.UploadRequest)

// WithContentType declares the MIME type instead of detecting it.
func WithContentType(contentType string) FileOption {
	return func(r *capturetypes.UploadRequest) {
		r.ContentType = contentType
	}
}

// WithTags attaches labels to the artifact.
func WithTags(tags ...string) FileOption {
	return func(r *capturetypes.UploadRequest) {
		r.Tags = append(r.Tags, tags...)
	}
}

// WithMetadata attaches key/value metadata to the artifact.
func WithMetadata(metadata map[string]string) FileOption {
	return func(r *capturetypes.UploadRequest) {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			r.Metadata[k] = v
		}
	}
}

// WithDescription attaches a human description to the artifact.
func WithDescription(description string) FileOption {
	return func(r *capturetypes.UploadRequest) {
		r.Description = description
	}
}

// WithSourceURL records where the capture was taken.
func WithSourceURL(sourceURL string) FileOption {
	return func(r *capturetypes.UploadRequest) {
		r.SourceURL = sourceURL
	}
}

// UploadFile uploads a capture stored on the manager's filesystem.
// The content type is detected from the file when not declared.
func (m *Manager) UploadFile(
	ctx context.Context,
	filepath, caseID string,
	kind capturetypes.ArtifactKind,
	callbacks capturetypes.Callbacks,
	opts ...FileOption,
) (*capturetypes.Outcome, error) {
	if filepath == "" {
		return nil, errors.NewValidationError(opUploadFile, []string{"filepath cannot be empty"})
	}

	info, err := m.fs.Stat(filepath)
	if err != nil {
		return nil, errors.NewError(opUploadFile, errors.KindValidation, err).WithMessage("cannot stat capture")
	}
	if info.IsDir() {
		return nil, errors.NewValidationError(opUploadFile, []string{"filepath points to a directory, not a file"})
	}

	file, err := m.fs.Open(filepath)
	if err != nil {
		return nil, errors.NewError(opUploadFile, errors.KindValidation, err).WithMessage("cannot open capture")
	}
	defer file.Close()

	req := &capturetypes.UploadRequest{
		Body:     file,
		Size:     info.Size(),
		CaseID:   caseID,
		Kind:     kind,
		FileName: path.Base(filepath),
	}
	for _, opt := range opts {
		opt(req)
	}

	return m.Upload(ctx, req, callbacks)
}

// Records returns the local records of completed uploads, most recent first.
func (m *Manager) Records() []capturetypes.Record {
	return m.records.List()
}

// Record returns the local record of a completed upload by session id.
func (m *Manager) Record(id string) (capturetypes.Record, bool) {
	return m.records.Get(id)
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// run drives one session to its outcome and schedules its release.
func (m *Manager) run(s *session) {
	defer m.wg.Done()

	outcome := m.execute(s)
	outcome.SessionID = s.id
	outcome.Duration = m.now().Sub(s.createdAt)

	m.log(s, outcome)
	m.observer.ObserveOutcome(s.req.Kind, outcome)
	s.finish(outcome)
	m.scheduleRelease(s)
}

// execute walks the session through validation, grant, transfer and
// confirmation. Cancellation is checked between every stage.
func (m *Manager) execute(s *session) *capturetypes.Outcome {
	ctx := s.ctx
	req := s.req

	s.setState(capturetypes.StateValidating)
	contentType := validation.NormalizeContentType(req.ContentType)
	if contentType == "" && req.Body != nil {
		contentType = validation.DetectContentType(req.Body, req.Size, req.FileName)
		s.setContentType(contentType)
	}
	checked := *req
	checked.ContentType = contentType
	res := validation.Validate(&checked, m.cfg.Policy, m.cfg.PartSize)
	if s.isCancelled() {
		return cancelled(ctx, opValidate, 0, false, s.id)
	}
	if !res.Eligible() {
		return failure(res.Err(opValidate), s.id)
	}

	digest, err := validation.Checksum(ctx, req.Body, req.Size)
	if err != nil {
		if s.isCancelled() {
			return cancelled(ctx, opChecksum, 0, false, s.id)
		}
		return failure(errors.NewValidationError(opChecksum, []string{"payload could not be read: " + err.Error()}), s.id)
	}

	cfg := m.transferConfig()
	greq := &capturetypes.GrantRequest{
		CaseID:      req.CaseID,
		Kind:        req.Kind,
		ContentType: contentType,
		Size:        req.Size,
		FileName:    req.FileName,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		Description: req.Description,
		SourceURL:   req.SourceURL,
		Digest:      digest,
		Multipart:   cfg.Multipart(req.Size),
	}
	if greq.Multipart {
		greq.PartSize = cfg.PartSize
		greq.PartCount = validation.PartCount(req.Size, cfg.PartSize)
	}

	hooks := m.hooks(s)

	s.setState(capturetypes.StateRequestingGrant)
	g, err := m.engine.AcquireGrant(ctx, greq, hooks)
	if err != nil {
		return failure(err, s.id)
	}
	s.setGrant(g)

	regrant := func(rctx context.Context) (*capturetypes.WriteGrant, error) {
		fresh, err := m.grants.RequestGrant(rctx, greq)
		if err != nil {
			return nil, err
		}
		s.setGrant(fresh)
		return fresh, nil
	}

	s.setState(capturetypes.StateTransferring)
	sent, err := m.engine.Transfer(ctx, g, req.Body, req.Size, cfg, regrant, hooks)
	if err != nil {
		return failure(err, s.id)
	}

	// Bytes are in storage from here on
	if s.isCancelled() || !s.enterConfirming() {
		return cancelled(ctx, opConfirm, sent.Attempts, true, s.id)
	}

	if err := m.grants.Confirm(ctx, sent.Grant, req.Size, digest); err != nil {
		if s.isCancelled() {
			return cancelled(ctx, opConfirm, sent.Attempts, true, s.id)
		}
		o := failure(err, s.id)
		o.Key, o.URL, o.Size, o.Digest, o.Parts = sent.Key, sent.URL, req.Size, digest, sent.Parts
		return o
	}

	s.completeProgress()

	m.records.Add(capturetypes.Record{
		ArtifactID:  s.id,
		Key:         sent.Key,
		URL:         sent.URL,
		Size:        req.Size,
		CaseID:      req.CaseID,
		Kind:        req.Kind,
		ContentType: contentType,
		CompletedAt: m.now(),
	})

	return &capturetypes.Outcome{
		Success:  true,
		Key:      sent.Key,
		URL:      sent.URL,
		Size:     req.Size,
		Digest:   digest,
		Attempts: sent.Attempts,
		Parts:    sent.Parts,
	}
}

// hooks connects engine events to the session state machine, its progress
// stream and the observer.
func (m *Manager) hooks(s *session) upload.Hooks {
	return upload.Hooks{
		Attempt: func(op string, n int) {
			s.setAttempt(n)
			if op == upload.OpRequestGrant {
				s.setState(capturetypes.StateRequestingGrant)
				return
			}
			s.setState(capturetypes.StateTransferring)
		},
		Retry: func(op string, part int, d retry.Decision) {
			s.setState(capturetypes.StateRetrying)
			s.setAttempt(d.Attempt + 1)
			s.logger.Warn("retrying operation",
				"op", op,
				"part", part,
				"attempt", d.Attempt,
				"delay", d.Delay,
				"error", d.Err)
			m.observer.ObserveRetry(op, d.Attempt, d.Delay)
		},
		Bytes: s.reportBytes,
		PartDone: func(p capturetypes.PartResult) {
			s.addPart(p)
			// A stored part is pinned at its full size
			s.reportBytes(p.PartNumber, p.Size)
		},
		Cancelled: s.cancelled.Load,
	}
}

func failure(err error, sessionID string) *capturetypes.Outcome {
	var e *errors.Error
	if errors.As(err, &e) {
		e.WithSession(sessionID)
	}
	return &capturetypes.Outcome{
		Kind:        errors.KindOf(err),
		Err:         err,
		Attempts:    errors.AttemptsOf(err),
		BytesStored: errors.BytesMayBeStored(err),
	}
}

func cancelled(ctx context.Context, op string, attempts int, stored bool, sessionID string) *capturetypes.Outcome {
	err := errors.NewCancelledError(op, ctx.Err()).
		WithSession(sessionID).
		WithAttempts(attempts).
		WithBytesStored(stored)
	return &capturetypes.Outcome{
		Kind:        errors.KindCancelled,
		Err:         err,
		Attempts:    attempts,
		BytesStored: stored,
	}
}

func (m *Manager) log(s *session, o *capturetypes.Outcome) {
	switch {
	case o.Success:
		s.logger.Info("upload completed",
			"key", o.Key,
			"size", o.Size,
			"attempts", o.Attempts,
			"duration", o.Duration)
	case o.Kind == errors.KindCancelled:
		s.logger.Info("upload cancelled", "bytes_stored", o.BytesStored)
	case o.Kind == errors.KindConfirmation:
		s.logger.Error("upload stored but not confirmed",
			"key", o.Key,
			"error", o.Err)
	default:
		s.logger.Error("upload failed",
			"error_kind", o.Kind,
			"attempts", o.Attempts,
			"error", o.Err)
	}
}

// scheduleRelease drops a finished session from the table after the grace period.
func (m *Manager) scheduleRelease(s *session) {
	release := func() {
		m.mu.Lock()
		if m.sessions[s.id] == s {
			delete(m.sessions, s.id)
		}
		m.mu.Unlock()
	}
	if m.cfg.GracePeriod <= 0 {
		release()
		return
	}
	s.mu.Lock()
	s.reaper = time.AfterFunc(m.cfg.GracePeriod, release)
	s.mu.Unlock()
}
