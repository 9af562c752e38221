package httpbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// Client calls a broker REST API.
//
// Thread Safety: Client is safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	headers http.Header
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(name, value string) Option {
	return func(c *Client) {
		c.headers.Add(name, value)
	}
}

// WithLogger configures the client with a custom logger.
// If logger is nil, logging will be disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the broker at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
		headers: make(http.Header),
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
func (c *Client) RequestGrant(ctx context.Context, req *capturetypes.GrantRequest) (*capturetypes.WriteGrant, error) {
	var g capturetypes.WriteGrant
	if err := c.do(ctx, http.MethodPost, "/uploads/grants", req, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// RequestPartGrant asks for the write endpoint of one part.
func (c *Client) RequestPartGrant(ctx context.Context, multipartID string, partNumber int) (*capturetypes.WriteTarget, error) {
	var t capturetypes.WriteTarget
	p := "/uploads/multipart/" + url.PathEscape(multipartID) + "/parts/" + strconv.Itoa(partNumber)
	if err := c.do(ctx, http.MethodPost, p, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CompleteMultipart submits the uploaded parts for assembly.
func (c *Client) CompleteMultipart(
	ctx context.Context,
	multipartID string,
	parts []capturetypes.PartResult,
) (*capturetypes.ObjectRef, error) {
	var ref capturetypes.ObjectRef
	p := "/uploads/multipart/" + url.PathEscape(multipartID) + "/complete"
	if err := c.do(ctx, http.MethodPost, p, CompleteRequest{Parts: parts}, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// ConfirmWrite reports a finished write.
func (c *Client) ConfirmWrite(ctx context.Context, grantID string, size int64, digest string) error {
	p := "/uploads/grants/" + url.PathEscape(grantID) + "/confirm"
	return c.do(ctx, http.MethodPost, p, ConfirmRequest{Size: size, Digest: digest}, nil)
}

// AbortMultipart discards a multipart session.
func (c *Client) AbortMultipart(ctx context.Context, multipartID string) error {
	return c.do(ctx, http.MethodDelete, "/uploads/multipart/"+url.PathEscape(multipartID), nil, nil)
}

// do sends one JSON request and decodes the response into out (when not nil).
// Non-2xx responses become *errors.StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
	}
	for name, values := range c.headers {
		req.Header[name] = values
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := readError(resp)
		c.logger.DebugContext(ctx, "broker request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"code", statusErr.Code)
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated body is a transport failure
		return fmt.Errorf("decode %s %s: %w", method, path, io.ErrUnexpectedEOF)
	}
	return nil
}

func readError(resp *http.Response) *errors.StatusError {
	statusErr := &errors.StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body ErrorResponse
	if json.Unmarshal(data, &body) == nil && (body.Code != "" || body.Message != "") {
		statusErr.Code = body.Code
		statusErr.Message = body.Message
		return statusErr
	}
	statusErr.Message = strings.TrimSpace(string(data))
	return statusErr
}

var _ capturetypes.Broker = (*Client)(nil)
