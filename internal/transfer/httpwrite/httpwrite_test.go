package httpwrite

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/testutil"
)

type byteLog struct {
	mu     sync.Mutex
	counts []int64
}

func (b *byteLog) record(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = append(b.counts, n)
}

func (b *byteLog) snapshot() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.counts...)
}

func TestWriter_Put(t *testing.T) {
	payload := testutil.Payload(300*1024, 7)

	var (
		gotBody    []byte
		gotHeaders http.Header
		gotMethod  string
		gotLength  int64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		gotLength = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var log byteLog
	w := New(WithUserAgent("capture-test"))
	etag, err := w.Write(context.Background(), capturetypes.WriteTarget{
		URL:     srv.URL + "/cases/c1/screenshot/a.png",
		Method:  http.MethodPut,
		Headers: map[string]string{"Content-Type": "image/png", "x-amz-meta-case": "c1"},
	}, bytes.NewReader(payload), int64(len(payload)), log.record)

	require.NoError(t, err)
	assert.Equal(t, `"abc123"`, etag)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, int64(len(payload)), gotLength)
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "image/png", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "c1", gotHeaders.Get("X-Amz-Meta-Case"))
	assert.Equal(t, "capture-test", gotHeaders.Get("User-Agent"))

	counts := log.snapshot()
	require.NotEmpty(t, counts)
	for i := 1; i < len(counts); i++ {
		assert.GreaterOrEqual(t, counts[i], counts[i-1])
	}
	assert.Equal(t, int64(len(payload)), counts[len(counts)-1])
}

func TestWriter_PostForm(t *testing.T) {
	payload := testutil.PNG(2048)

	var (
		fields   map[string]string
		fileData []byte
		fileName string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		fileName = hdr.Filename
		fileData, _ = io.ReadAll(f)
		w.Header().Set("ETag", `"form"`)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var log byteLog
	etag, err := New().Write(context.Background(), capturetypes.WriteTarget{
		URL:    srv.URL,
		Method: http.MethodPost,
		FormFields: map[string]string{
			"key":    "cases/c1/screenshot/20250601/id.png",
			"policy": "eyJ...",
		},
	}, bytes.NewReader(payload), int64(len(payload)), log.record)

	require.NoError(t, err)
	assert.Equal(t, `"form"`, etag)
	assert.Equal(t, "cases/c1/screenshot/20250601/id.png", fields["key"])
	assert.Equal(t, "eyJ...", fields["policy"])
	assert.Equal(t, "id.png", fileName)
	assert.Equal(t, payload, fileData)

	counts := log.snapshot()
	require.NotEmpty(t, counts)
	assert.Equal(t, int64(len(payload)), counts[len(counts)-1])
	for _, c := range counts {
		assert.LessOrEqual(t, c, int64(len(payload)))
	}
}

func TestWriter_ErrorResponses(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      string
		wantMessage   string
		wantTransient bool
		wantSentinel  error
	}{
		{
			name:          "storage xml error",
			status:        http.StatusServiceUnavailable,
			body:          `<?xml version="1.0"?><Error><Code>SlowDown</Code><Message>Reduce your request rate</Message></Error>`,
			wantCode:      "SlowDown",
			wantMessage:   "Reduce your request rate",
			wantTransient: true,
		},
		{
			name:         "expired signature",
			status:       http.StatusForbidden,
			body:         `<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>`,
			wantCode:     "AccessDenied",
			wantMessage:  "Request has expired",
			wantSentinel: errors.ErrUnauthorized,
		},
		{
			name:        "plain text body",
			status:      http.StatusBadRequest,
			body:        "bad request\n",
			wantMessage: "bad request",
		},
		{
			name:          "empty body",
			status:        http.StatusBadGateway,
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New().Write(context.Background(), capturetypes.WriteTarget{URL: srv.URL},
				bytes.NewReader([]byte("data")), 4, nil)
			require.Error(t, err)

			var statusErr *errors.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.wantCode, statusErr.Code)
			assert.Equal(t, tt.wantMessage, statusErr.Message)
			assert.Equal(t, tt.wantTransient, errors.IsTransient(err))
			if tt.wantSentinel != nil {
				assert.ErrorIs(t, err, tt.wantSentinel)
			}
		})
	}
}

func TestWriter_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New().Write(context.Background(), capturetypes.WriteTarget{URL: url},
		bytes.NewReader([]byte("data")), 4, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestWriter_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Write(ctx, capturetypes.WriteTarget{URL: srv.URL},
		bytes.NewReader([]byte("data")), 4, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.IsTransient(err))
}

func TestWriter_EmptyTarget(t *testing.T) {
	_, err := New().Write(context.Background(), capturetypes.WriteTarget{}, bytes.NewReader(nil), 0, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}
