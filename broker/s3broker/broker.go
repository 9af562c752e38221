package s3broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/validation"
)

const (
	// DefaultGrantTTL is how long presigned endpoints stay valid
	DefaultGrantTTL = 15 * time.Minute

	// maxPartNumber is the largest part number S3 accepts
	maxPartNumber = 10000
)

// grantState is the broker-side record of one issued grant.
type grantState struct {
	req       capturetypes.GrantRequest
	grant     capturetypes.WriteGrant
	uploadID  string
	completed bool
	confirmed bool
	etag      string
}

// Broker issues S3 write grants.
//
// Thread Safety: Broker is safe for concurrent use.
type Broker struct {
	bucket     string
	client     S3API
	presigner  Presigner
	registry   Registry
	logger     *slog.Logger
	ttl        time.Duration
	publicBase string
	now        func() time.Time
	newID      func() string

	mu     sync.Mutex
	grants map[string]*grantState
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger configures the broker with a custom logger.
// If logger is nil, logging will be disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithRegistry sets the case registry confirmed artifacts are recorded in.
func WithRegistry(registry Registry) Option {
	return func(b *Broker) {
		b.registry = registry
	}
}

// WithGrantTTL sets how long grants and presigned endpoints stay valid.
func WithGrantTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithPublicBaseURL sets the base of the read URLs advertised in grants,
// e.g. a CDN in front of the bucket.
func WithPublicBaseURL(base string) Option {
	return func(b *Broker) {
		b.publicBase = strings.TrimSuffix(base, "/")
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator replaces the generator of grant ids and key suffixes.
func WithIDGenerator(newID func() string) Option {
	return func(b *Broker) {
		if newID != nil {
			b.newID = newID
		}
	}
}

// New creates a broker writing to bucket through client and presigner.
func New(bucket string, client S3API, presigner Presigner, opts ...Option) (*Broker, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket name cannot be empty", errors.ErrInvalidInput)
	}
	if client == nil || presigner == nil {
		return nil, fmt.Errorf("%w: s3 client and presigner are required", errors.ErrInvalidInput)
	}

	b := &Broker{
		bucket:    bucket,
		client:    client,
		presigner: presigner,
		ttl:       DefaultGrantTTL,
		now:       time.Now,
		newID:     uuid.NewString,
		grants:    make(map[string]*grantState),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	if b.registry == nil {
		b.registry = NewMemoryRegistry()
	}
	if b.publicBase == "" {
		b.publicBase = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return b, nil
}

// NewFromConfig creates a broker from an AWS configuration.
func NewFromConfig(cfg aws.Config, bucket string, s3Opts []func(*s3.Options), opts ...Option) (*Broker, error) {
	client := s3.NewFromConfig(cfg, s3Opts...)
	return New(bucket, client, s3.NewPresignClient(client), opts...)
}

// RequestGrant issues a presigned PutObject grant, or opens a multipart
// upload when the request asks for one.
func (b *Broker) RequestGrant(ctx context.Context, req *capturetypes.GrantRequest) (*capturetypes.WriteGrant, error) {
	if err := checkGrantRequest(req); err != nil {
		return nil, err
	}

	now := b.now()
	id := b.newID()
	key := b.objectKey(req, now, id)
	expires := now.Add(b.ttl)

	g := capturetypes.WriteGrant{
		GrantID:   id,
		Key:       key,
		PublicURL: b.publicBase + "/" + key,
		ExpiresAt: expires,
	}
	state := &grantState{req: *req}

	if req.Multipart {
		out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(req.ContentType),
			Metadata:    req.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("create multipart upload: %w", err)
		}
		state.uploadID = aws.ToString(out.UploadId)
		g.MultipartID = id
	} else {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			ContentType:   aws.String(req.ContentType),
			ContentLength: aws.Int64(req.Size),
			Metadata:      req.Metadata,
		}
		if req.Digest != "" {
			input.ChecksumSHA256 = aws.String(req.Digest)
		}
		signed, err := b.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(b.ttl))
		if err != nil {
			return nil, fmt.Errorf("presign put object: %w", err)
		}
		g.Target = target(signed, expires)
	}

	state.grant = g
	b.mu.Lock()
	b.grants[id] = state
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "grant issued",
		"grant_id", id,
		"key", key,
		"case_id", req.CaseID,
		"multipart", req.Multipart,
		"size", req.Size)

	out := g
	return &out, nil
}

// RequestPartGrant presigns the UploadPart request of one part.
func (b *Broker) RequestPartGrant(ctx context.Context, multipartID string, partNumber int) (*capturetypes.WriteTarget, error) {
	if partNumber < 1 || partNumber > maxPartNumber {
		return nil, fmt.Errorf("%w: part number %d outside 1..%d", errors.ErrInvalidInput, partNumber, maxPartNumber)
	}
	state, err := b.multipart(multipartID)
	if err != nil {
		return nil, err
	}

	now := b.now()
	if !now.Before(state.grant.ExpiresAt) {
		return nil, fmt.Errorf("multipart upload %s: %w", multipartID, errors.ErrGrantExpired)
	}

	signed, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(state.grant.Key),
		UploadId:   aws.String(state.uploadID),
		PartNumber: aws.Int32(int32(partNumber)), //nolint:gosec // bounded above
	}, s3.WithPresignExpires(state.grant.ExpiresAt.Sub(now)))
	if err != nil {
		return nil, fmt.Errorf("presign upload part %d: %w", partNumber, err)
	}

	t := target(signed, state.grant.ExpiresAt)
	return &t, nil
}

// CompleteMultipart assembles the uploaded parts into the final object.
func (b *Broker) CompleteMultipart(
	ctx context.Context,
	multipartID string,
	parts []capturetypes.PartResult,
) (*capturetypes.ObjectRef, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts to complete", errors.ErrInvalidInput)
	}
	state, err := b.multipart(multipartID)
	if err != nil {
		return nil, err
	}

	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, c capturetypes.PartResult) int { return a.PartNumber - c.PartNumber })
	completed := make([]types.CompletedPart, 0, len(sorted))
	for i, p := range sorted {
		if p.PartNumber != i+1 {
			return nil, fmt.Errorf("%w: part %d found at position %d", errors.ErrInvalidInput, p.PartNumber, i+1)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)), //nolint:gosec // checked contiguous
		})
	}

	out, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(state.grant.Key),
		UploadId:        aws.String(state.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	etag := aws.ToString(out.ETag)
	b.mu.Lock()
	state.completed = true
	state.etag = etag
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "multipart upload completed",
		"multipart_id", multipartID,
		"key", state.grant.Key,
		"parts", len(completed))

	return &capturetypes.ObjectRef{
		Key:  state.grant.Key,
		URL:  state.grant.PublicURL,
		ETag: etag,
	}, nil
}

// AbortMultipart discards an open multipart upload. Aborting an unknown or
// already aborted session succeeds.
func (b *Broker) AbortMultipart(ctx context.Context, multipartID string) error {
	b.mu.Lock()
	state, ok := b.grants[multipartID]
	if ok && state.uploadID != "" && !state.completed {
		delete(b.grants, multipartID)
	}
	b.mu.Unlock()
	if !ok || state.uploadID == "" || state.completed {
		return nil
	}

	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(state.grant.Key),
		UploadId: aws.String(state.uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}

	b.logger.InfoContext(ctx, "multipart upload aborted",
		"multipart_id", multipartID,
		"key", state.grant.Key)
	return nil
}

// ConfirmWrite verifies the object landed with the declared size and
// registers it. Confirming the same grant again succeeds without
// registering twice.
func (b *Broker) ConfirmWrite(ctx context.Context, grantID string, size int64, digest string) error {
	b.mu.Lock()
	state, ok := b.grants[grantID]
	var confirmed bool
	if ok {
		confirmed = state.confirmed
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("grant %s: %w", grantID, errors.ErrNotFound)
	}
	if confirmed {
		return nil
	}
	if state.uploadID != "" && !state.completed {
		return fmt.Errorf("%w: multipart upload %s was not completed", errors.ErrInvalidInput, grantID)
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(state.grant.Key),
	})
	if err != nil {
		return fmt.Errorf("head object %s: %w", state.grant.Key, err)
	}
	if stored := aws.ToInt64(head.ContentLength); stored != size {
		return fmt.Errorf("object %s holds %d bytes, confirmed %d: %w", state.grant.Key, stored, size, errors.ErrSizeMismatch)
	}

	etag := state.etag
	if etag == "" {
		etag = aws.ToString(head.ETag)
	}
	req := state.req
	err = b.registry.Register(ctx, Artifact{
		Record: capturetypes.Record{
			ArtifactID:  grantID,
			Key:         state.grant.Key,
			URL:         state.grant.PublicURL,
			Size:        size,
			CaseID:      req.CaseID,
			Kind:        req.Kind,
			ContentType: req.ContentType,
			CompletedAt: b.now(),
		},
		Digest:      digest,
		ETag:        etag,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		Description: req.Description,
		SourceURL:   req.SourceURL,
	})
	if err != nil {
		return fmt.Errorf("register artifact %s: %w", grantID, err)
	}

	b.mu.Lock()
	state.confirmed = true
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "write confirmed",
		"grant_id", grantID,
		"key", state.grant.Key,
		"size", size)
	return nil
}

// Prune forgets expired grants and aborts their open multipart uploads.
// Confirmed grants are kept one extra TTL so repeated confirmations still
// succeed. It returns the number of grants removed.
func (b *Broker) Prune(ctx context.Context) int {
	now := b.now()
	var stale []*grantState

	b.mu.Lock()
	for id, state := range b.grants {
		deadline := state.grant.ExpiresAt
		if state.confirmed {
			deadline = deadline.Add(b.ttl)
		}
		if now.Before(deadline) {
			continue
		}
		delete(b.grants, id)
		stale = append(stale, state)
	}
	b.mu.Unlock()

	for _, state := range stale {
		if state.uploadID == "" || state.completed {
			continue
		}
		_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(state.grant.Key),
			UploadId: aws.String(state.uploadID),
		})
		if err != nil {
			b.logger.WarnContext(ctx, "failed to abort expired multipart upload",
				"multipart_id", state.grant.MultipartID,
				"error", err)
		}
	}
	return len(stale)
}

// Pending returns the number of tracked grants.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.grants)
}

func (b *Broker) multipart(id string) (*grantState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.grants[id]
	if !ok || state.uploadID == "" {
		return nil, fmt.Errorf("multipart upload %s: %w", id, errors.ErrNotFound)
	}
	if state.completed {
		return nil, fmt.Errorf("%w: multipart upload %s already completed", errors.ErrInvalidInput, id)
	}
	return state, nil
}

// objectKey builds cases/<case>/<kind>/<yyyymmdd>/<id><ext>.
func (b *Broker) objectKey(req *capturetypes.GrantRequest, now time.Time, id string) string {
	ext := validation.ExtensionFor(req.ContentType)
	if ext == "" {
		ext = strings.ToLower(path.Ext(req.FileName))
	}
	return fmt.Sprintf("cases/%s/%s/%s/%s%s", req.CaseID, req.Kind, now.UTC().Format("20060102"), id, ext)
}

func checkGrantRequest(req *capturetypes.GrantRequest) error {
	if req == nil {
		return fmt.Errorf("%w: grant request is required", errors.ErrInvalidInput)
	}
	var problems []string
	if req.CaseID == "" || strings.ContainsAny(req.CaseID, "/\\") {
		problems = append(problems, "case id must be a non-empty path segment")
	}
	if !req.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported kind %q", req.Kind))
	}
	if req.Size <= 0 {
		problems = append(problems, "size must be positive")
	}
	if req.ContentType == "" {
		problems = append(problems, "content type is required")
	}
	if req.Multipart && req.PartCount > maxPartNumber {
		problems = append(problems, fmt.Sprintf("part count %d exceeds %d", req.PartCount, maxPartNumber))
	}
	if err := validation.ValidateMetadata(req.Metadata); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errors.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// target converts a presigned request into a write target. The Host header
// is implied by the URL.
func target(signed *v4.PresignedHTTPRequest, expires time.Time) capturetypes.WriteTarget {
	t := capturetypes.WriteTarget{
		URL:     signed.URL,
		Method:  signed.Method,
		Expires: expires,
	}
	if t.Method == "" {
		t.Method = http.MethodPut
	}
	for name, values := range signed.SignedHeader {
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		if t.Headers == nil {
			t.Headers = make(map[string]string)
		}
		t.Headers[name] = strings.Join(values, ",")
	}
	return t
}

var _ capturetypes.Broker = (*Broker)(nil)
