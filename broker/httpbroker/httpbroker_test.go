package httpbroker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	captureerrors "github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/testutil"
)

func newRoundTrip(t *testing.T, broker *testutil.MockBroker, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(broker, nil))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
}

func TestClient_SingleShotRoundTrip(t *testing.T) {
	broker := testutil.NewMockBroker()
	client := newRoundTrip(t, broker)
	ctx := context.Background()

	req := &capturetypes.GrantRequest{
		CaseID:      "case-1",
		Kind:        capturetypes.KindScreenshot,
		ContentType: "image/png",
		Size:        2048,
		FileName:    "shot.png",
		Tags:        []string{"login"},
		Digest:      "abc123",
	}
	grant, err := client.RequestGrant(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "grant-0001", grant.GrantID)
	assert.Equal(t, "cases/case-1/screenshot/object-0001", grant.Key)
	assert.Equal(t, "PUT", grant.Target.Method)
	assert.Equal(t, "image/png", grant.Target.Headers["Content-Type"])
	assert.False(t, grant.Multipart())
	assert.False(t, grant.ExpiresAt.IsZero())

	require.NoError(t, client.ConfirmWrite(ctx, grant.GrantID, 2048, "abc123"))

	calls := broker.Calls()
	require.Len(t, calls.Grants, 1)
	assert.Equal(t, *req, calls.Grants[0])
	assert.Equal(t, []testutil.ConfirmCall{{GrantID: "grant-0001", Size: 2048, Digest: "abc123"}}, calls.Confirms)
}

func TestClient_MultipartRoundTrip(t *testing.T) {
	broker := testutil.NewMockBroker()
	client := newRoundTrip(t, broker)
	ctx := context.Background()

	grant, err := client.RequestGrant(ctx, &capturetypes.GrantRequest{
		CaseID:      "case-2",
		Kind:        capturetypes.KindVideo,
		ContentType: "video/webm",
		Size:        12,
		Multipart:   true,
		PartSize:    5,
		PartCount:   3,
	})
	require.NoError(t, err)
	require.True(t, grant.Multipart())

	target, err := client.RequestPartGrant(ctx, grant.MultipartID, 2)
	require.NoError(t, err)
	assert.Equal(t, testutil.PartTarget(grant.MultipartID, 2).URL, target.URL)

	parts := []capturetypes.PartResult{
		{PartNumber: 1, Offset: 0, Size: 5, ETag: `"a"`},
		{PartNumber: 2, Offset: 5, Size: 5, ETag: `"b"`},
		{PartNumber: 3, Offset: 10, Size: 2, ETag: `"c"`},
	}
	ref, err := client.CompleteMultipart(ctx, grant.MultipartID, parts)
	require.NoError(t, err)
	assert.Equal(t, grant.Key, ref.Key)
	assert.Equal(t, testutil.PublicURL(grant.Key), ref.URL)

	require.NoError(t, client.AbortMultipart(ctx, grant.MultipartID))

	calls := broker.Calls()
	assert.Equal(t, []testutil.PartGrantCall{{MultipartID: grant.MultipartID, PartNumber: 2}}, calls.PartGrants)
	require.Len(t, calls.Completes, 1)
	assert.Equal(t, parts, calls.Completes[0].Parts)
	assert.Equal(t, []string{grant.MultipartID}, calls.Aborts)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantIs     error
		transient  bool
	}{
		{
			name:       "quota",
			err:        fmt.Errorf("case over limit: %w", captureerrors.ErrQuotaExceeded),
			wantStatus: http.StatusForbidden,
			wantIs:     captureerrors.ErrQuotaExceeded,
		},
		{
			name:       "unauthorized",
			err:        captureerrors.ErrUnauthorized,
			wantStatus: http.StatusUnauthorized,
			wantIs:     captureerrors.ErrUnauthorized,
		},
		{
			name:       "invalid input",
			err:        captureerrors.ErrInvalidInput,
			wantStatus: http.StatusBadRequest,
			wantIs:     captureerrors.ErrInvalidInput,
		},
		{
			name:       "size mismatch",
			err:        captureerrors.ErrSizeMismatch,
			wantStatus: http.StatusBadRequest,
			wantIs:     captureerrors.ErrInvalidInput,
		},
		{
			name:       "not found",
			err:        captureerrors.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantIs:     captureerrors.ErrNotFound,
		},
		{
			name:       "grant expired",
			err:        captureerrors.ErrGrantExpired,
			wantStatus: http.StatusGone,
			wantIs:     captureerrors.ErrGrantExpired,
		},
		{
			name:       "transient storage failure",
			err:        &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce request rate"},
			wantStatus: http.StatusServiceUnavailable,
			transient:  true,
		},
		{
			name:       "storage client fault",
			err:        &smithy.GenericAPIError{Code: "NoSuchUpload", Fault: smithy.FaultClient},
			wantStatus: http.StatusBadRequest,
			wantIs:     captureerrors.ErrInvalidInput,
		},
		{
			name:       "unexpected failure",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			transient:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := testutil.NewMockBroker()
			broker.RequestGrantFunc = func(context.Context, *capturetypes.GrantRequest) (*capturetypes.WriteGrant, error) {
				return nil, tt.err
			}
			client := newRoundTrip(t, broker)

			_, err := client.RequestGrant(context.Background(), &capturetypes.GrantRequest{CaseID: "c", Kind: capturetypes.KindVideo})
			require.Error(t, err)

			var statusErr *captureerrors.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.wantStatus, statusErr.StatusCode)
			assert.Equal(t, tt.err.Error(), statusErr.Message)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, tt.transient, captureerrors.IsTransient(err))
		})
	}
}

func TestHandler_RejectsMalformedRequests(t *testing.T) {
	broker := testutil.NewMockBroker()
	srv := httptest.NewServer(NewServer(broker, nil))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/uploads/multipart/mp-1/parts/two", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/uploads/grants", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, broker.Calls().Total())
}

func TestClient_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).AbortMultipart(context.Background(), "mp-1")

	var statusErr *captureerrors.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Empty(t, statusErr.Code)
	assert.Equal(t, "upstream unavailable", statusErr.Message)
	assert.True(t, captureerrors.IsTransient(err))
}

func TestClient_TruncatedResponseIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"grantId":"g-1","key":`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).RequestGrant(context.Background(), &capturetypes.GrantRequest{})
	require.Error(t, err)
	assert.True(t, captureerrors.IsTransient(err))
}

func TestClient_SendsHeaders(t *testing.T) {
	var gotAuth, gotContentType, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithHeader("Authorization", "Bearer token-1"))
	require.NoError(t, client.ConfirmWrite(context.Background(), "grant/1", 10, ""))

	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "/uploads/grants/grant%2F1/confirm", gotPath)
}

func TestClient_ContextCancelled(t *testing.T) {
	broker := testutil.NewMockBroker()
	client := newRoundTrip(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.RequestPartGrant(ctx, "mp-1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, captureerrors.IsTransient(err))
}
