package s3broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

// mockS3 is a mock S3API with per-operation function fields.
type mockS3 struct {
	HeadObjectFunc              func(context.Context, *s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	CreateMultipartUploadFunc   func(context.Context, *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUploadFunc func(context.Context, *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(context.Context, *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error)

	mu        sync.Mutex
	aborted   []string
	completed []*s3.CompleteMultipartUploadInput
}

func (m *mockS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.HeadObjectFunc != nil {
		return m.HeadObjectFunc(ctx, in)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) CreateMultipartUpload(
	ctx context.Context,
	in *s3.CreateMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CreateMultipartUploadOutput, error) {
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, in)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *mockS3) CompleteMultipartUpload(
	ctx context.Context,
	in *s3.CompleteMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	m.completed = append(m.completed, in)
	m.mu.Unlock()
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, in)
	}
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"final-3"`)}, nil
}

func (m *mockS3) AbortMultipartUpload(
	ctx context.Context,
	in *s3.AbortMultipartUploadInput,
	_ ...func(*s3.Options),
) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	m.aborted = append(m.aborted, aws.ToString(in.UploadId))
	m.mu.Unlock()
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, in)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// mockPresigner signs requests with a fake query string.
type mockPresigner struct {
	err     error
	expires []time.Duration
}

func (p *mockPresigner) PresignPutObject(
	_ context.Context,
	in *s3.PutObjectInput,
	optFns ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.record(optFns)
	header := http.Header{
		"Host":         {"captures.s3.amazonaws.com"},
		"Content-Type": {aws.ToString(in.ContentType)},
	}
	if in.ChecksumSHA256 != nil {
		header.Set("X-Amz-Checksum-Sha256", aws.ToString(in.ChecksumSHA256))
	}
	return &v4.PresignedHTTPRequest{
		URL:          "https://captures.s3.amazonaws.com/" + aws.ToString(in.Key) + "?X-Amz-Signature=sig",
		Method:       http.MethodPut,
		SignedHeader: header,
	}, nil
}

func (p *mockPresigner) PresignUploadPart(
	_ context.Context,
	in *s3.UploadPartInput,
	optFns ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.record(optFns)
	return &v4.PresignedHTTPRequest{
		URL: fmt.Sprintf("https://captures.s3.amazonaws.com/%s?partNumber=%d&uploadId=%s",
			aws.ToString(in.Key), aws.ToInt32(in.PartNumber), aws.ToString(in.UploadId)),
		Method:       http.MethodPut,
		SignedHeader: http.Header{"Host": {"captures.s3.amazonaws.com"}},
	}, nil
}

func (p *mockPresigner) record(optFns []func(*s3.PresignOptions)) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	p.expires = append(p.expires, opts.Expires)
}

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestBroker(t *testing.T, client *mockS3, presigner *mockPresigner, opts ...Option) *Broker {
	t.Helper()
	seq := 0
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}
	b, err := New("captures", client, presigner, append(base, opts...)...)
	require.NoError(t, err)
	return b
}

func screenshotRequest() *capturetypes.GrantRequest {
	return &capturetypes.GrantRequest{
		CaseID:      "case-42",
		Kind:        capturetypes.KindScreenshot,
		ContentType: "image/png",
		Size:        2048,
		Digest:      "ZGlnZXN0",
		Tags:        []string{"login"},
	}
}

func TestNew(t *testing.T) {
	_, err := New("", &mockS3{}, &mockPresigner{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = New("bucket", nil, &mockPresigner{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestBroker_RequestGrantSingleShot(t *testing.T) {
	presigner := &mockPresigner{}
	b := newTestBroker(t, &mockS3{}, presigner, WithPublicBaseURL("https://cdn.example.com/"))

	g, err := b.RequestGrant(context.Background(), screenshotRequest())
	require.NoError(t, err)

	assert.Equal(t, "id-1", g.GrantID)
	assert.Equal(t, "cases/case-42/screenshot/20250314/id-1.png", g.Key)
	assert.Equal(t, "https://cdn.example.com/cases/case-42/screenshot/20250314/id-1.png", g.PublicURL)
	assert.False(t, g.Multipart())
	assert.Equal(t, fixedNow.Add(DefaultGrantTTL), g.ExpiresAt)

	assert.Equal(t, http.MethodPut, g.Target.Method)
	assert.True(t, strings.HasPrefix(g.Target.URL, "https://captures.s3.amazonaws.com/cases/case-42/"))
	assert.Equal(t, "image/png", g.Target.Headers["Content-Type"])
	assert.Equal(t, "ZGlnZXN0", g.Target.Headers["X-Amz-Checksum-Sha256"])
	assert.NotContains(t, g.Target.Headers, "Host")
	assert.Equal(t, []time.Duration{DefaultGrantTTL}, presigner.expires)
	assert.Equal(t, 1, b.Pending())
}

func TestBroker_RequestGrantRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*capturetypes.GrantRequest)
		want   string
	}{
		{name: "missing case", mutate: func(r *capturetypes.GrantRequest) { r.CaseID = "" }, want: "case id"},
		{name: "case with slash", mutate: func(r *capturetypes.GrantRequest) { r.CaseID = "a/b" }, want: "case id"},
		{name: "unknown kind", mutate: func(r *capturetypes.GrantRequest) { r.Kind = "audio" }, want: "unsupported kind"},
		{name: "empty payload", mutate: func(r *capturetypes.GrantRequest) { r.Size = 0 }, want: "size must be positive"},
		{name: "no content type", mutate: func(r *capturetypes.GrantRequest) { r.ContentType = "" }, want: "content type"},
		{
			name:   "reserved metadata",
			mutate: func(r *capturetypes.GrantRequest) { r.Metadata = map[string]string{"x-amz-meta": "v"} },
			want:   "reserved prefix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t, &mockS3{}, &mockPresigner{})
			req := screenshotRequest()
			tt.mutate(req)

			_, err := b.RequestGrant(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
			assert.False(t, errors.IsTransient(err))
			assert.Zero(t, b.Pending())
		})
	}
}

func TestBroker_MultipartLifecycle(t *testing.T) {
	client := &mockS3{
		HeadObjectFunc: func(context.Context, *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{ContentLength: aws.Int64(12 * capturetypes.MiB)}, nil
		},
	}
	registry := NewMemoryRegistry()
	b := newTestBroker(t, client, &mockPresigner{}, WithRegistry(registry))

	req := &capturetypes.GrantRequest{
		CaseID:      "case-7",
		Kind:        capturetypes.KindVideo,
		ContentType: "video/webm",
		Size:        12 * capturetypes.MiB,
		Multipart:   true,
		PartSize:    5 * capturetypes.MiB,
		PartCount:   3,
	}
	g, err := b.RequestGrant(context.Background(), req)
	require.NoError(t, err)
	require.True(t, g.Multipart())
	assert.Empty(t, g.Target.URL)
	assert.Equal(t, "cases/case-7/video/20250314/id-1.webm", g.Key)

	var parts []capturetypes.PartResult
	for n := 1; n <= 3; n++ {
		target, err := b.RequestPartGrant(context.Background(), g.MultipartID, n)
		require.NoError(t, err)
		assert.Contains(t, target.URL, fmt.Sprintf("partNumber=%d", n))
		assert.Contains(t, target.URL, "uploadId=upload-1")
		parts = append(parts, capturetypes.PartResult{PartNumber: n, ETag: fmt.Sprintf(`"etag-%d"`, n)})
	}

	// Parts may arrive in any order
	ref, err := b.CompleteMultipart(context.Background(), g.MultipartID, []capturetypes.PartResult{parts[2], parts[0], parts[1]})
	require.NoError(t, err)
	assert.Equal(t, g.Key, ref.Key)
	assert.Equal(t, `"final-3"`, ref.ETag)

	require.Len(t, client.completed, 1)
	completed := client.completed[0].MultipartUpload.Parts
	require.Len(t, completed, 3)
	for i, p := range completed {
		assert.Equal(t, int32(i+1), aws.ToInt32(p.PartNumber))
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), aws.ToString(p.ETag))
	}

	require.NoError(t, b.ConfirmWrite(context.Background(), g.GrantID, 12*capturetypes.MiB, "digest"))
	artifact, ok := registry.Get(g.GrantID)
	require.True(t, ok)
	assert.Equal(t, "case-7", artifact.CaseID)
	assert.Equal(t, `"final-3"`, artifact.ETag)
	assert.Equal(t, "digest", artifact.Digest)

	// Completed sessions no longer hand out parts and abort is a no-op
	_, err = b.RequestPartGrant(context.Background(), g.MultipartID, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	require.NoError(t, b.AbortMultipart(context.Background(), g.MultipartID))
	assert.Empty(t, client.aborted)
}

func TestBroker_CompleteMultipartRejectsGaps(t *testing.T) {
	b := newTestBroker(t, &mockS3{}, &mockPresigner{})
	req := screenshotRequest()
	req.Multipart = true
	g, err := b.RequestGrant(context.Background(), req)
	require.NoError(t, err)

	_, err = b.CompleteMultipart(context.Background(), g.MultipartID, []capturetypes.PartResult{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 3, ETag: "c"},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = b.CompleteMultipart(context.Background(), g.MultipartID, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestBroker_RequestPartGrantErrors(t *testing.T) {
	now := fixedNow
	b, err := New("captures", &mockS3{}, &mockPresigner{},
		WithClock(func() time.Time { return now }),
		WithGrantTTL(time.Minute))
	require.NoError(t, err)

	req := screenshotRequest()
	req.Multipart = true
	g, err := b.RequestGrant(context.Background(), req)
	require.NoError(t, err)

	_, err = b.RequestPartGrant(context.Background(), "unknown", 1)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = b.RequestPartGrant(context.Background(), g.MultipartID, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = b.RequestPartGrant(context.Background(), g.MultipartID, 10001)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	now = now.Add(2 * time.Minute)
	_, err = b.RequestPartGrant(context.Background(), g.MultipartID, 1)
	assert.ErrorIs(t, err, errors.ErrGrantExpired)
}

func TestBroker_AbortMultipart(t *testing.T) {
	client := &mockS3{}
	b := newTestBroker(t, client, &mockPresigner{})
	req := screenshotRequest()
	req.Multipart = true
	g, err := b.RequestGrant(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, b.AbortMultipart(context.Background(), g.MultipartID))
	assert.Equal(t, []string{"upload-1"}, client.aborted)
	assert.Zero(t, b.Pending())

	// Repeated and unknown aborts succeed
	require.NoError(t, b.AbortMultipart(context.Background(), g.MultipartID))
	require.NoError(t, b.AbortMultipart(context.Background(), "unknown"))
	assert.Len(t, client.aborted, 1)
}

func TestBroker_ConfirmWrite(t *testing.T) {
	t.Run("registers once", func(t *testing.T) {
		heads := 0
		client := &mockS3{HeadObjectFunc: func(context.Context, *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			heads++
			return &s3.HeadObjectOutput{ContentLength: aws.Int64(2048), ETag: aws.String(`"abc"`)}, nil
		}}
		registry := NewMemoryRegistry()
		b := newTestBroker(t, client, &mockPresigner{}, WithRegistry(registry))

		g, err := b.RequestGrant(context.Background(), screenshotRequest())
		require.NoError(t, err)

		require.NoError(t, b.ConfirmWrite(context.Background(), g.GrantID, 2048, "ZGlnZXN0"))
		require.NoError(t, b.ConfirmWrite(context.Background(), g.GrantID, 2048, "ZGlnZXN0"))
		assert.Equal(t, 1, heads)

		artifacts := registry.ByCase("case-42")
		require.Len(t, artifacts, 1)
		assert.Equal(t, g.Key, artifacts[0].Key)
		assert.Equal(t, `"abc"`, artifacts[0].ETag)
		assert.Equal(t, []string{"login"}, artifacts[0].Tags)
		assert.Equal(t, fixedNow, artifacts[0].CompletedAt)
	})

	t.Run("size mismatch", func(t *testing.T) {
		client := &mockS3{HeadObjectFunc: func(context.Context, *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{ContentLength: aws.Int64(1000)}, nil
		}}
		b := newTestBroker(t, client, &mockPresigner{})
		g, err := b.RequestGrant(context.Background(), screenshotRequest())
		require.NoError(t, err)

		err = b.ConfirmWrite(context.Background(), g.GrantID, 2048, "")
		assert.ErrorIs(t, err, errors.ErrSizeMismatch)
	})

	t.Run("unknown grant", func(t *testing.T) {
		b := newTestBroker(t, &mockS3{}, &mockPresigner{})
		err := b.ConfirmWrite(context.Background(), "missing", 1, "")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("throttled head is transient", func(t *testing.T) {
		client := &mockS3{HeadObjectFunc: func(context.Context, *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
		}}
		b := newTestBroker(t, client, &mockPresigner{})
		g, err := b.RequestGrant(context.Background(), screenshotRequest())
		require.NoError(t, err)

		err = b.ConfirmWrite(context.Background(), g.GrantID, 2048, "")
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	})

	t.Run("incomplete multipart", func(t *testing.T) {
		b := newTestBroker(t, &mockS3{}, &mockPresigner{})
		req := screenshotRequest()
		req.Multipart = true
		g, err := b.RequestGrant(context.Background(), req)
		require.NoError(t, err)

		err = b.ConfirmWrite(context.Background(), g.GrantID, 2048, "")
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestBroker_Prune(t *testing.T) {
	now := fixedNow
	client := &mockS3{}
	b, err := New("captures", client, &mockPresigner{},
		WithClock(func() time.Time { return now }),
		WithGrantTTL(time.Minute))
	require.NoError(t, err)

	_, err = b.RequestGrant(context.Background(), screenshotRequest())
	require.NoError(t, err)
	mp := screenshotRequest()
	mp.Multipart = true
	_, err = b.RequestGrant(context.Background(), mp)
	require.NoError(t, err)

	assert.Zero(t, b.Prune(context.Background()))
	assert.Equal(t, 2, b.Pending())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, b.Prune(context.Background()))
	assert.Zero(t, b.Pending())
	assert.Equal(t, []string{"upload-1"}, client.aborted)
}

func TestBroker_PresignFailure(t *testing.T) {
	b := newTestBroker(t, &mockS3{}, &mockPresigner{err: fmt.Errorf("no credentials")})
	_, err := b.RequestGrant(context.Background(), screenshotRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presign put object")
	assert.Zero(t, b.Pending())
}
