package upload

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/grant"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/retry"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/transfer/multipart"
)

// Operation names reported to hooks.
const (
	OpRequestGrant = "requestGrant"
	OpWrite        = "write"
	OpUploadPart   = "uploadPart"
	OpComplete     = "completeMultipart"
)

// Config controls strategy selection and transfer behavior.
type Config struct {
	// Threshold is the largest payload sent as a single write
	Threshold int64

	// PartSize is the multi-part slice size
	PartSize int64

	// Concurrency is the multi-part fanout
	Concurrency int

	// AttemptTimeout bounds each network attempt; 0 disables it
	AttemptTimeout time.Duration
}

// Multipart reports whether a payload of size bytes uses multi-part transfer.
func (c Config) Multipart(size int64) bool {
	return size > c.Threshold
}

// Hooks receive events from the engine. Any of them may be nil. Byte and
// part hooks may be called from concurrent goroutines.
type Hooks struct {
	// Attempt is called when an attempt of a sequential operation starts
	Attempt func(op string, attempt int)

	// Retry is called before the backoff wait of a retried operation;
	// partNumber is 0 for operations that are not per-part
	Retry func(op string, partNumber int, d retry.Decision)

	// Bytes receives the cumulative bytes sent by the current attempt of a
	// part; part 0 is the single-shot write
	Bytes func(partNumber int, bytes int64)

	// PartDone is called once a multi-part part is stored
	PartDone func(part capturetypes.PartResult)

	// Cancelled reports the session's cancellation flag
	Cancelled func() bool
}

func (h Hooks) cancelled() bool {
	return h.Cancelled != nil && h.Cancelled()
}

func (h Hooks) attempt(op string, n int) {
	if h.Attempt != nil {
		h.Attempt(op, n)
	}
}

func (h Hooks) retry(op string, part int, d retry.Decision) {
	if h.Retry != nil {
		h.Retry(op, part, d)
	}
}

func (h Hooks) bytes(part int, n int64) {
	if h.Bytes != nil {
		h.Bytes(part, n)
	}
}

// Regrant obtains a replacement grant when the current one expired.
type Regrant func(ctx context.Context) (*capturetypes.WriteGrant, error)

// Result describes a finished transfer.
type Result struct {
	// Grant is the grant the bytes were written under (a replacement when the
	// original expired)
	Grant *capturetypes.WriteGrant

	// Key and URL identify the stored object
	Key string
	URL string

	// ETag is the storage integrity tag of the object
	ETag string

	// Parts lists the uploaded parts of a multi-part transfer
	Parts []capturetypes.PartResult

	// Attempts is the attempt count of the single-shot write, or the largest
	// part attempt count of a multi-part transfer
	Attempts int
}

// Engine executes grant acquisition and transfers.
//
// Thread Safety: Engine is safe for concurrent use; one engine serves every
// session of a manager.
type Engine struct {
	grants    *grant.Client
	writer    capturetypes.ObjectWriter
	retrier   *retry.Controller
	multipart *multipart.Uploader
	logger    *slog.Logger
}

// New creates an Engine.
func New(
	grants *grant.Client,
	writer capturetypes.ObjectWriter,
	retrier *retry.Controller,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		grants:    grants,
		writer:    writer,
		retrier:   retrier,
		multipart: multipart.NewUploader(grants, writer, retrier, logger),
		logger:    logger,
	}
}

// AcquireGrant requests a write grant, retrying transient failures.
func (e *Engine) AcquireGrant(
	ctx context.Context,
	req *capturetypes.GrantRequest,
	hooks Hooks,
) (*capturetypes.WriteGrant, error) {
	var g *capturetypes.WriteGrant
	attempts, err := e.retrier.Do(ctx, errors.IsTransient, func(actx context.Context, attempt int) error {
		if hooks.cancelled() {
			return errors.NewCancelledError(OpRequestGrant, actx.Err())
		}
		hooks.attempt(OpRequestGrant, attempt)
		var gerr error
		g, gerr = e.grants.RequestGrant(actx, req)
		return gerr
	}, func(d retry.Decision) {
		e.logger.WarnContext(ctx, "retrying grant request",
			"attempt", d.Attempt,
			"delay", d.Delay,
			"error", d.Err)
		hooks.retry(OpRequestGrant, 0, d)
	})
	if err != nil {
		return nil, finalError(ctx, OpRequestGrant, errors.KindGrant, err, attempts, hooks)
	}
	return g, nil
}

// Transfer writes size bytes of body under g, using a single write when
// the payload fits the threshold and a multi-part transfer otherwise.
func (e *Engine) Transfer(
	ctx context.Context,
	g *capturetypes.WriteGrant,
	body io.ReaderAt,
	size int64,
	cfg Config,
	regrant Regrant,
	hooks Hooks,
) (*Result, error) {
	if g.Multipart() {
		return e.transferMultipart(ctx, g, body, size, cfg, hooks)
	}
	return e.transferSingle(ctx, g, body, size, cfg, regrant, hooks)
}

// transferSingle writes the whole payload in one request per attempt.
// A grant that expired between attempts is replaced through regrant.
func (e *Engine) transferSingle(
	ctx context.Context,
	g *capturetypes.WriteGrant,
	body io.ReaderAt,
	size int64,
	cfg Config,
	regrant Regrant,
	hooks Hooks,
) (*Result, error) {
	current := g
	var etag string

	attempts, err := e.retrier.Do(ctx, errors.IsTransient, func(actx context.Context, attempt int) error {
		if hooks.cancelled() {
			return errors.NewCancelledError(OpWrite, actx.Err())
		}
		hooks.attempt(OpWrite, attempt)

		if e.grants.Expired(current) {
			if regrant == nil {
				return errors.NewError(OpWrite, errors.KindGrant, errors.ErrGrantExpired).WithKey(current.Key)
			}
			e.logger.DebugContext(actx, "grant expired, requesting a new one", "grant_id", current.GrantID)
			fresh, gerr := regrant(actx)
			if gerr != nil {
				return gerr
			}
			current = fresh
		}

		if cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, cfg.AttemptTimeout)
			defer cancel()
		}

		hooks.bytes(0, 0)
		tag, werr := e.writer.Write(actx, current.Target, io.NewSectionReader(body, 0, size), size,
			func(n int64) { hooks.bytes(0, n) })
		if werr != nil {
			return errors.NewError(OpWrite, errors.KindTransfer, werr).
				WithKey(current.Key).
				WithRetryable(errors.IsTransient(werr))
		}
		etag = tag
		return nil
	}, func(d retry.Decision) {
		e.logger.WarnContext(ctx, "retrying write",
			"key", current.Key,
			"attempt", d.Attempt,
			"delay", d.Delay,
			"error", d.Err)
		hooks.retry(OpWrite, 0, d)
	})
	if err != nil {
		return nil, finalError(ctx, OpWrite, errors.KindTransfer, err, attempts, hooks)
	}

	return &Result{
		Grant:    current,
		Key:      current.Key,
		URL:      current.PublicURL,
		ETag:     etag,
		Attempts: attempts,
	}, nil
}

func (e *Engine) transferMultipart(
	ctx context.Context,
	g *capturetypes.WriteGrant,
	body io.ReaderAt,
	size int64,
	cfg Config,
	hooks Hooks,
) (*Result, error) {
	hooks.attempt(OpUploadPart, 1)

	res, err := e.multipart.Upload(ctx, g, body, size, multipart.Config{
		PartSize:       cfg.PartSize,
		Concurrency:    cfg.Concurrency,
		AttemptTimeout: cfg.AttemptTimeout,
	}, multipart.Hooks{
		PartBytes: hooks.Bytes,
		PartDone:  hooks.PartDone,
		Retry:     hooks.Retry,
		Cancelled: hooks.Cancelled,
	})
	if err != nil {
		return nil, err
	}

	out := &Result{
		Grant: g,
		Key:   g.Key,
		URL:   g.PublicURL,
		Parts: res.Parts,
	}
	if res.Object != nil {
		if res.Object.Key != "" {
			out.Key = res.Object.Key
		}
		if res.Object.URL != "" {
			out.URL = res.Object.URL
		}
		out.ETag = res.Object.ETag
	}
	for _, p := range res.Parts {
		out.Attempts = max(out.Attempts, p.Attempts)
	}
	return out, nil
}

// finalError turns the last error of a retried operation into the error
// reported to the session. Cancellation wins; anything else is tagged with
// the attempt count and becomes fatal, since the retry budget is spent.
func finalError(ctx context.Context, op string, kind errors.Kind, err error, attempts int, hooks Hooks) error {
	if hooks.cancelled() || errors.IsCancelled(err) || ctx.Err() != nil {
		return errors.NewCancelledError(op, ctx.Err()).WithAttempts(attempts)
	}
	var e *errors.Error
	if errors.As(err, &e) {
		return e.WithAttempts(attempts).WithRetryable(false)
	}
	return errors.NewError(op, kind, err).WithAttempts(attempts)
}
