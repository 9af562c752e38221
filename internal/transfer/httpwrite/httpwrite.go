// Package httpwrite writes payloads to presigned object storage endpoints.
//
// A target with form fields is written as a multipart/form-data POST (a
// presigned POST policy); any other target is written with a single request
// of the granted method carrying the payload as its body.
package httpwrite

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/pool"
)

const (
	// formFileField is the form field carrying the payload in POST uploads
	formFileField = "file"

	// maxErrorBody bounds how much of an error response is read
	maxErrorBody = 4 * 1024
)

// Writer is the HTTP ObjectWriter.
//
// Thread Safety: Writer is safe for concurrent use.
type Writer struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

// Option configures a Writer.
type Option func(*Writer)

// WithHTTPClient replaces the HTTP client. Per-attempt timeouts are applied
// through the request context, so the client needs no Timeout of its own.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Writer) {
		if client != nil {
			w.client = client
		}
	}
}

// WithLogger configures the writer with a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithUserAgent sets the User-Agent header of every write.
func WithUserAgent(ua string) Option {
	return func(w *Writer) {
		w.userAgent = ua
	}
}

// New creates a Writer.
func New(opts ...Option) *Writer {
	w := &Writer{client: http.DefaultClient}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w
}

// Write sends size bytes of body to target and returns the ETag the
// endpoint reported. onBytes receives the cumulative payload bytes sent.
func (w *Writer) Write(
	ctx context.Context,
	target capturetypes.WriteTarget,
	body io.Reader,
	size int64,
	onBytes func(int64),
) (string, error) {
	if target.URL == "" {
		return "", errors.ErrInvalidInput
	}

	var (
		req *http.Request
		err error
	)
	if len(target.FormFields) > 0 {
		req, err = w.formRequest(ctx, target, body, size, onBytes)
	} else {
		req, err = w.bodyRequest(ctx, target, body, size, onBytes)
	}
	if err != nil {
		return "", err
	}
	if w.userAgent != "" {
		req.Header.Set("User-Agent", w.userAgent)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := readStatusError(resp)
		w.logger.DebugContext(ctx, "write rejected",
			"status", resp.StatusCode,
			"code", statusErr.Code)
		return "", statusErr
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	return resp.Header.Get("ETag"), nil
}

func (w *Writer) bodyRequest(
	ctx context.Context,
	target capturetypes.WriteTarget,
	body io.Reader,
	size int64,
	onBytes func(int64),
) (*http.Request, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	var reqBody io.Reader = http.NoBody
	if size > 0 {
		reqBody = &countingReader{r: io.LimitReader(body, size), limit: size, onBytes: onBytes}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build write request: %w", err)
	}
	req.ContentLength = size
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// formRequest encodes the fields and payload as multipart/form-data. The
// payload field must come last for POST policy uploads.
func (w *Writer) formRequest(
	ctx context.Context,
	target capturetypes.WriteTarget,
	body io.Reader,
	size int64,
	onBytes func(int64),
) (*http.Request, error) {
	buf := pool.GetBodyBuffer()
	form := multipart.NewWriter(buf)

	for _, k := range slices.Sorted(maps.Keys(target.FormFields)) {
		if err := form.WriteField(k, target.FormFields[k]); err != nil {
			pool.PutBodyBuffer(buf)
			return nil, fmt.Errorf("encode form field %s: %w", k, err)
		}
	}
	part, err := form.CreateFormFile(formFileField, formFileName(target))
	if err != nil {
		pool.PutBodyBuffer(buf)
		return nil, fmt.Errorf("encode form file: %w", err)
	}
	prefix := int64(buf.Len())

	copyBuf := pool.GetCopyBuffer()
	n, err := io.CopyBuffer(part, io.LimitReader(body, size), copyBuf)
	pool.PutCopyBuffer(copyBuf)
	if err == nil && n != size {
		err = io.ErrUnexpectedEOF
	}
	if err == nil {
		err = form.Close()
	}
	if err != nil {
		pool.PutBodyBuffer(buf)
		return nil, fmt.Errorf("encode form payload: %w", err)
	}

	encoded := bytes.Clone(buf.Bytes())
	reqBody := &countingReader{
		r:       bytes.NewReader(encoded),
		skip:    prefix,
		limit:   size,
		onBytes: onBytes,
	}
	pool.PutBodyBuffer(buf)

	method := target.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build form request: %w", err)
	}
	req.ContentLength = int64(len(encoded))
	req.Header.Set("Content-Type", form.FormDataContentType())
	for k, v := range target.Headers {
		if !strings.EqualFold(k, "Content-Type") {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func formFileName(target capturetypes.WriteTarget) string {
	if key := target.FormFields["key"]; key != "" {
		if i := strings.LastIndex(key, "/"); i >= 0 {
			return key[i+1:]
		}
		return key
	}
	return "capture"
}

// countingReader reports the payload bytes read so far. The first skip
// bytes are envelope and are not counted; the count never exceeds limit.
type countingReader struct {
	r       io.Reader
	skip    int64
	limit   int64
	read    atomic.Int64
	onBytes func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onBytes != nil {
		total := c.read.Add(int64(n))
		payload := min(max(total-c.skip, 0), c.limit)
		if payload > 0 {
			c.onBytes(payload)
		}
	}
	return n, err
}

// storageError is the XML error body object storage returns.
type storageError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func readStatusError(resp *http.Response) *errors.StatusError {
	statusErr := &errors.StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(data) == 0 {
		return statusErr
	}

	var se storageError
	if xml.Unmarshal(data, &se) == nil && (se.Code != "" || se.Message != "") {
		statusErr.Code = se.Code
		statusErr.Message = se.Message
		return statusErr
	}
	statusErr.Message = strings.TrimSpace(string(data))
	return statusErr
}
