// Package grant talks to the grant broker on behalf of upload sessions.
//
// It turns broker responses into classified pipeline errors: requests that
// may succeed again are marked retryable, broker rejections are fatal, and a
// failed confirmation is reported as its own kind with the bytes flagged as
// stored.
package grant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

// Client wraps a broker with classification and logging.
//
// Thread Safety: Client is safe for concurrent use if the broker is.
type Client struct {
	broker capturetypes.Broker
	logger *slog.Logger
	now    func() time.Time
	skew   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger configures the client with a custom logger.
// If logger is nil, logging will be disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock replaces the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithExpirySkew treats grants as expired this long before their deadline.
func WithExpirySkew(skew time.Duration) Option {
	return func(c *Client) {
		c.skew = skew
	}
}

// New creates a grant client for broker.
func New(broker capturetypes.Broker, opts ...Option) *Client {
	c := &Client{
		broker: broker,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// RequestGrant asks the broker for a write grant.
// Transient broker failures and unusable grants are retryable; rejections
// (authorization, quota, invalid input) are fatal.
func (c *Client) RequestGrant(ctx context.Context, req *capturetypes.GrantRequest) (*capturetypes.WriteGrant, error) {
	g, err := c.broker.RequestGrant(ctx, req)
	if err != nil {
		return nil, errors.NewError("requestGrant", errors.KindGrant, err).
			WithRetryable(errors.IsTransient(err))
	}

	if g == nil {
		return nil, errors.NewError("requestGrant", errors.KindGrant, errors.ErrInternal).
			WithMessage("broker returned no grant").
			WithRetryable(true)
	}

	if req.Multipart != g.Multipart() {
		// The broker disagrees on the transfer strategy; asking again won't change that
		return nil, errors.NewError("requestGrant", errors.KindGrant, errors.ErrInternal).
			WithKey(g.Key).
			WithMessage(fmt.Sprintf("broker answered multipart=%t for multipart=%t request", g.Multipart(), req.Multipart))
	}

	if !g.Multipart() && g.Target.URL == "" {
		return nil, errors.NewError("requestGrant", errors.KindGrant, errors.ErrInternal).
			WithKey(g.Key).
			WithMessage("grant has no write endpoint").
			WithRetryable(true)
	}

	if c.Expired(g) {
		return nil, errors.NewError("requestGrant", errors.KindGrant, errors.ErrGrantExpired).
			WithKey(g.Key).
			WithRetryable(true)
	}

	c.logger.DebugContext(ctx, "grant issued",
		"grant_id", g.GrantID,
		"key", g.Key,
		"multipart", g.Multipart(),
		"expires_at", g.ExpiresAt)
	return g, nil
}

// RequestPart asks the broker for the write endpoint of one part.
func (c *Client) RequestPart(ctx context.Context, multipartID string, partNumber int) (*capturetypes.WriteTarget, error) {
	target, err := c.broker.RequestPartGrant(ctx, multipartID, partNumber)
	if err != nil {
		return nil, errors.NewError("requestPartGrant", errors.KindGrant, err).
			WithPart(partNumber).
			WithRetryable(errors.IsTransient(err))
	}
	if target == nil || target.URL == "" {
		return nil, errors.NewError("requestPartGrant", errors.KindGrant, errors.ErrInternal).
			WithPart(partNumber).
			WithMessage("part grant has no write endpoint").
			WithRetryable(true)
	}
	if !target.Expires.IsZero() && !c.now().Before(target.Expires.Add(-c.skew)) {
		return nil, errors.NewError("requestPartGrant", errors.KindGrant, errors.ErrGrantExpired).
			WithPart(partNumber).
			WithRetryable(true)
	}
	return target, nil
}

// Complete asks the broker to assemble the uploaded parts.
func (c *Client) Complete(
	ctx context.Context,
	multipartID string,
	parts []capturetypes.PartResult,
) (*capturetypes.ObjectRef, error) {
	ref, err := c.broker.CompleteMultipart(ctx, multipartID, parts)
	if err != nil {
		return nil, errors.NewError("completeMultipart", errors.KindTransfer, err).
			WithRetryable(errors.IsTransient(err))
	}
	if ref == nil {
		return nil, errors.NewError("completeMultipart", errors.KindTransfer, errors.ErrInternal).
			WithMessage("broker returned no object reference")
	}
	c.logger.DebugContext(ctx, "multipart completed",
		"multipart_id", multipartID,
		"key", ref.Key,
		"parts", len(parts))
	return ref, nil
}

// Abort asks the broker to discard a multipart session. It is best-effort:
// failures are logged and not returned, since the session has already failed.
func (c *Client) Abort(ctx context.Context, multipartID string) {
	if multipartID == "" {
		return
	}
	if err := c.broker.AbortMultipart(ctx, multipartID); err != nil {
		c.logger.WarnContext(ctx, "failed to abort multipart upload",
			"multipart_id", multipartID,
			"error", err)
		return
	}
	c.logger.DebugContext(ctx, "multipart aborted", "multipart_id", multipartID)
}

// Confirm tells the broker the write finished. A failure is never
// swallowed: it is returned as a confirmation error with the bytes flagged
// as stored, so the caller can reconcile.
func (c *Client) Confirm(ctx context.Context, g *capturetypes.WriteGrant, size int64, digest string) error {
	if g == nil {
		return errors.NewError("confirmWrite", errors.KindConfirmation, errors.ErrInvalidInput).
			WithMessage("no grant to confirm")
	}
	if err := c.broker.ConfirmWrite(ctx, g.GrantID, size, digest); err != nil {
		return errors.NewError("confirmWrite", errors.KindConfirmation, err).
			WithKey(g.Key).
			WithBytesStored(true)
	}
	c.logger.DebugContext(ctx, "write confirmed", "grant_id", g.GrantID, "key", g.Key, "size", size)
	return nil
}

// Expired reports whether g is past its deadline, allowing for the client's skew.
func (c *Client) Expired(g *capturetypes.WriteGrant) bool {
	return Expired(g, c.now(), c.skew)
}

// Expired reports whether g is unusable at now. A grant without a deadline never expires.
func Expired(g *capturetypes.WriteGrant, now time.Time, skew time.Duration) bool {
	if g == nil {
		return true
	}
	if g.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(g.ExpiresAt.Add(-skew))
}
