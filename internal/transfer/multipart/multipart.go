package multipart

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/grant"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/retry"
)

// Config controls how a payload is split and uploaded.
type Config struct {
	// PartSize is the size of every part but the last
	PartSize int64

	// Concurrency is the number of parts uploaded simultaneously
	Concurrency int

	// AttemptTimeout bounds each part attempt; 0 disables it
	AttemptTimeout time.Duration
}

// Hooks receive events from an upload. Any of them may be nil and all of
// them may be called from concurrent goroutines.
type Hooks struct {
	// PartBytes receives the cumulative bytes sent by the current attempt of a part
	PartBytes func(partNumber int, bytes int64)

	// PartDone is called once a part is stored
	PartDone func(part capturetypes.PartResult)

	// Retry is called before the backoff wait of a retried operation
	Retry func(op string, partNumber int, d retry.Decision)

	// Cancelled reports whether the session was cancelled; it is checked
	// before every part and every attempt
	Cancelled func() bool
}

func (h Hooks) cancelled() bool {
	return h.Cancelled != nil && h.Cancelled()
}

// Result is a completed multipart upload.
type Result struct {
	// Parts lists the uploaded parts ordered by part number
	Parts []capturetypes.PartResult

	// Object is the assembled object
	Object *capturetypes.ObjectRef
}

// Uploader handles multipart upload operations.
type Uploader struct {
	grants  *grant.Client
	writer  capturetypes.ObjectWriter
	retrier *retry.Controller
	logger  *slog.Logger
}

// NewUploader creates a new multipart uploader.
func NewUploader(
	grants *grant.Client,
	writer capturetypes.ObjectWriter,
	retrier *retry.Controller,
	logger *slog.Logger,
) *Uploader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Uploader{
		grants:  grants,
		writer:  writer,
		retrier: retrier,
		logger:  logger,
	}
}

// Upload uploads size bytes of body through the multipart session opened by g.
//
// Parts are uploaded with bounded concurrency, each wrapped by the retry
// controller; a part that succeeded is never uploaded again. Once every
// part is stored the ordered part list is submitted for completion. If any
// part exhausts its retries, the session is cancelled or completion fails,
// the remaining parts are stopped and the multipart session is aborted.
func (u *Uploader) Upload(
	ctx context.Context,
	g *capturetypes.WriteGrant,
	body io.ReaderAt,
	size int64,
	cfg Config,
	hooks Hooks,
) (*Result, error) {
	if !g.Multipart() {
		return nil, errors.NewError("multipartUpload", errors.KindInternal, errors.ErrInvalidInput).
			WithMessage("grant has no multipart session")
	}

	plan, err := Plan(size, cfg.PartSize)
	if err != nil {
		u.grants.Abort(context.WithoutCancel(ctx), g.MultipartID)
		return nil, errors.NewError("multipartUpload", errors.KindMultipartAborted, err).WithKey(g.Key)
	}

	u.logger.DebugContext(ctx, "starting multipart upload",
		"multipart_id", g.MultipartID,
		"key", g.Key,
		"parts", len(plan),
		"part_size", cfg.PartSize,
		"concurrency", cfg.Concurrency)

	parts, err := u.uploadParts(ctx, g, body, plan, cfg, hooks)
	if err != nil {
		return nil, u.abort(ctx, g, err, hooks)
	}

	if err := VerifyCoverage(parts, size); err != nil {
		return nil, u.abort(ctx, g, errors.NewError("multipartUpload", errors.KindInternal, err), hooks)
	}

	// Completion is new work and must not start after cancellation
	if hooks.cancelled() || ctx.Err() != nil {
		return nil, u.abort(ctx, g, errors.NewCancelledError("completeMultipart", ctx.Err()), hooks)
	}

	var ref *capturetypes.ObjectRef
	attempts, err := u.retrier.Do(ctx, errors.IsTransient, func(actx context.Context, _ int) error {
		var cerr error
		ref, cerr = u.grants.Complete(actx, g.MultipartID, parts)
		return cerr
	}, func(d retry.Decision) {
		if hooks.Retry != nil {
			hooks.Retry("completeMultipart", 0, d)
		}
	})
	if err != nil {
		return nil, u.abort(ctx, g, withAttempts(err, attempts), hooks)
	}

	return &Result{Parts: parts, Object: ref}, nil
}

// uploadParts uploads every planned part and returns them ordered by part number.
func (u *Uploader) uploadParts(
	ctx context.Context,
	g *capturetypes.WriteGrant,
	body io.ReaderAt,
	plan []capturetypes.PartResult,
	cfg Config,
	hooks Hooks,
) ([]capturetypes.PartResult, error) {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	results := make([]capturetypes.PartResult, len(plan))
	for i, p := range plan {
		// No new part starts after cancellation or a failed part; Go blocks
		// while the fanout is saturated, so this is checked per launch
		if hooks.cancelled() || gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			stored, err := u.uploadPart(gctx, g, body, p, cfg, hooks)
			if err != nil {
				return err
			}
			results[i] = stored
			if hooks.PartDone != nil {
				hooks.PartDone(stored)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if hooks.cancelled() || ctx.Err() != nil {
		return nil, errors.NewCancelledError("uploadPart", ctx.Err())
	}
	return results, nil
}

// uploadPart uploads one part, requesting a fresh endpoint for every attempt.
func (u *Uploader) uploadPart(
	ctx context.Context,
	g *capturetypes.WriteGrant,
	body io.ReaderAt,
	p capturetypes.PartResult,
	cfg Config,
	hooks Hooks,
) (capturetypes.PartResult, error) {
	var etag string
	attempts, err := u.retrier.Do(ctx, errors.IsTransient, func(actx context.Context, _ int) error {
		if hooks.cancelled() {
			return errors.NewCancelledError("uploadPart", actx.Err())
		}

		if cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, cfg.AttemptTimeout)
			defer cancel()
		}

		target, err := u.grants.RequestPart(actx, g.MultipartID, p.PartNumber)
		if err != nil {
			return err
		}

		if hooks.PartBytes != nil {
			hooks.PartBytes(p.PartNumber, 0)
		}
		onBytes := func(n int64) {
			if hooks.PartBytes != nil {
				hooks.PartBytes(p.PartNumber, n)
			}
		}

		tag, err := u.writer.Write(actx, *target, io.NewSectionReader(body, p.Offset, p.Size), p.Size, onBytes)
		if err != nil {
			return errors.NewError("uploadPart", errors.KindTransfer, err).
				WithKey(g.Key).
				WithPart(p.PartNumber).
				WithRetryable(errors.IsTransient(err))
		}
		if tag == "" {
			return errors.NewError("uploadPart", errors.KindTransfer, errors.ErrInternal).
				WithKey(g.Key).
				WithPart(p.PartNumber).
				WithMessage("storage returned no ETag")
		}
		etag = tag
		return nil
	}, func(d retry.Decision) {
		u.logger.WarnContext(ctx, "retrying part",
			"multipart_id", g.MultipartID,
			"part", p.PartNumber,
			"attempt", d.Attempt,
			"delay", d.Delay,
			"error", d.Err)
		if hooks.Retry != nil {
			hooks.Retry("uploadPart", p.PartNumber, d)
		}
	})
	if err != nil {
		return capturetypes.PartResult{}, partError(err, p.PartNumber, attempts)
	}

	p.ETag = etag
	p.Attempts = attempts
	return p, nil
}

// abort discards the multipart session and converts cause into the
// session-level failure. The abort request outlives ctx.
func (u *Uploader) abort(ctx context.Context, g *capturetypes.WriteGrant, cause error, hooks Hooks) error {
	u.grants.Abort(context.WithoutCancel(ctx), g.MultipartID)

	if hooks.cancelled() || errors.IsCancelled(cause) || ctx.Err() != nil {
		u.logger.DebugContext(ctx, "multipart upload cancelled", "multipart_id", g.MultipartID)
		return errors.NewCancelledError("multipartUpload", ctx.Err()).WithKey(g.Key)
	}

	u.logger.WarnContext(ctx, "multipart upload aborted",
		"multipart_id", g.MultipartID,
		"key", g.Key,
		"error", cause)

	aborted := errors.NewError("multipartUpload", errors.KindMultipartAborted, cause).WithKey(g.Key)
	var e *errors.Error
	if errors.As(cause, &e) {
		aborted.PartNumber = e.PartNumber
		aborted.Attempts = e.Attempts
	}
	return aborted
}

// partError tags a failed part with its attempt count. Failures that were
// not classified by the pipeline (cancellation) are wrapped as transfer errors.
func partError(err error, partNumber, attempts int) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.WithPart(partNumber).WithAttempts(attempts)
	}
	return errors.NewError("uploadPart", errors.KindTransfer, err).
		WithPart(partNumber).
		WithAttempts(attempts)
}

func withAttempts(err error, attempts int) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.WithAttempts(attempts)
	}
	return err
}

// Plan slices size bytes into parts of partSize; the last part may be shorter.
func Plan(size, partSize int64) ([]capturetypes.PartResult, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	if size <= 0 {
		return nil, fmt.Errorf("multipart payload must not be empty")
	}

	count := (size + partSize - 1) / partSize
	plan := make([]capturetypes.PartResult, 0, count)
	for offset, n := int64(0), 1; offset < size; offset, n = offset+partSize, n+1 {
		plan = append(plan, capturetypes.PartResult{
			PartNumber: n,
			Offset:     offset,
			Size:       min(partSize, size-offset),
		})
	}
	return plan, nil
}

// VerifyCoverage checks that parts are numbered 1..n in order and exactly
// partition [0, size) with no gaps or overlaps.
func VerifyCoverage(parts []capturetypes.PartResult, size int64) error {
	var next int64
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("%w: part %d found at position %d", errors.ErrPartCoverage, p.PartNumber, i+1)
		}
		if p.Size <= 0 {
			return fmt.Errorf("%w: part %d is empty", errors.ErrPartCoverage, p.PartNumber)
		}
		if p.Offset != next {
			return fmt.Errorf("%w: part %d starts at %d, expected %d", errors.ErrPartCoverage, p.PartNumber, p.Offset, next)
		}
		next = p.End()
	}
	if next != size {
		return fmt.Errorf("%w: parts cover %d of %d bytes", errors.ErrPartCoverage, next, size)
	}
	return nil
}
