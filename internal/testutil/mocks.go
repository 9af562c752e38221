// Package testutil provides test utilities and mocks for the capture pipeline.
// This package is internal and should only be used for testing within the capture module.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// PartGrantCall records one RequestPartGrant call.
type PartGrantCall struct {
	MultipartID string
	PartNumber  int
}

// ConfirmCall records one ConfirmWrite call.
type ConfirmCall struct {
	GrantID string
	Size    int64
	Digest  string
}

// CompleteCall records one CompleteMultipart call.
type CompleteCall struct {
	MultipartID string
	Parts       []capturetypes.PartResult
}

// BrokerCalls is a snapshot of every call a MockBroker received.
type BrokerCalls struct {
	Grants     []capturetypes.GrantRequest
	PartGrants []PartGrantCall
	Completes  []CompleteCall
	Confirms   []ConfirmCall
	Aborts     []string
}

// Total returns the number of broker calls of any kind.
func (c BrokerCalls) Total() int {
	return len(c.Grants) + len(c.PartGrants) + len(c.Completes) + len(c.Confirms) + len(c.Aborts)
}

// MockBroker is a mock implementation of the Broker interface for testing.
// It allows customization of each operation through function fields; unset
// fields fall back to an in-memory broker that always succeeds. Every call
// is recorded.
type MockBroker struct {
	RequestGrantFunc      func(context.Context, *capturetypes.GrantRequest) (*capturetypes.WriteGrant, error)
	RequestPartGrantFunc  func(context.Context, string, int) (*capturetypes.WriteTarget, error)
	CompleteMultipartFunc func(context.Context, string, []capturetypes.PartResult) (*capturetypes.ObjectRef, error)
	ConfirmWriteFunc      func(context.Context, string, int64, string) error
	AbortMultipartFunc    func(context.Context, string) error

	// GrantTTL is the lifetime of default grants (15 minutes when zero)
	GrantTTL time.Duration

	mu    sync.Mutex
	seq   int
	keys  map[string]string
	calls BrokerCalls
}

// NewMockBroker creates a MockBroker with default behavior.
func NewMockBroker() *MockBroker {
	return &MockBroker{}
}

// RequestGrant mocks the broker grant request.
func (m *MockBroker) RequestGrant(ctx context.Context, req *capturetypes.GrantRequest) (*capturetypes.WriteGrant, error) {
	m.mu.Lock()
	m.calls.Grants = append(m.calls.Grants, *req)
	m.mu.Unlock()

	if m.RequestGrantFunc != nil {
		return m.RequestGrantFunc(ctx, req)
	}
	return m.DefaultGrant(req), nil
}

// RequestPartGrant mocks the per-part endpoint request.
func (m *MockBroker) RequestPartGrant(ctx context.Context, multipartID string, partNumber int) (*capturetypes.WriteTarget, error) {
	m.mu.Lock()
	m.calls.PartGrants = append(m.calls.PartGrants, PartGrantCall{MultipartID: multipartID, PartNumber: partNumber})
	m.mu.Unlock()

	if m.RequestPartGrantFunc != nil {
		return m.RequestPartGrantFunc(ctx, multipartID, partNumber)
	}
	return PartTarget(multipartID, partNumber), nil
}

// CompleteMultipart mocks multipart completion.
func (m *MockBroker) CompleteMultipart(
	ctx context.Context,
	multipartID string,
	parts []capturetypes.PartResult,
) (*capturetypes.ObjectRef, error) {
	m.mu.Lock()
	m.calls.Completes = append(m.calls.Completes, CompleteCall{MultipartID: multipartID, Parts: slices.Clone(parts)})
	key := m.keys[multipartID]
	m.mu.Unlock()

	if m.CompleteMultipartFunc != nil {
		return m.CompleteMultipartFunc(ctx, multipartID, parts)
	}
	return &capturetypes.ObjectRef{
		Key:  key,
		URL:  PublicURL(key),
		ETag: fmt.Sprintf(`"%s-%d"`, multipartID, len(parts)),
	}, nil
}

// ConfirmWrite mocks write confirmation.
func (m *MockBroker) ConfirmWrite(ctx context.Context, grantID string, size int64, digest string) error {
	m.mu.Lock()
	m.calls.Confirms = append(m.calls.Confirms, ConfirmCall{GrantID: grantID, Size: size, Digest: digest})
	m.mu.Unlock()

	if m.ConfirmWriteFunc != nil {
		return m.ConfirmWriteFunc(ctx, grantID, size, digest)
	}
	return nil
}

// AbortMultipart mocks multipart abort.
func (m *MockBroker) AbortMultipart(ctx context.Context, multipartID string) error {
	m.mu.Lock()
	m.calls.Aborts = append(m.calls.Aborts, multipartID)
	m.mu.Unlock()

	if m.AbortMultipartFunc != nil {
		return m.AbortMultipartFunc(ctx, multipartID)
	}
	return nil
}

// DefaultGrant issues the grant the mock returns when RequestGrantFunc is unset.
// Custom RequestGrantFunc implementations can delegate to it.
func (m *MockBroker) DefaultGrant(req *capturetypes.GrantRequest) *capturetypes.WriteGrant {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	key := fmt.Sprintf("cases/%s/%s/object-%04d", req.CaseID, req.Kind, m.seq)
	ttl := m.GrantTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	expires := time.Now().Add(ttl)

	g := &capturetypes.WriteGrant{
		GrantID:   fmt.Sprintf("grant-%04d", m.seq),
		Key:       key,
		PublicURL: PublicURL(key),
		ExpiresAt: expires,
	}
	if req.Multipart {
		g.MultipartID = fmt.Sprintf("mp-%04d", m.seq)
		if m.keys == nil {
			m.keys = make(map[string]string)
		}
		m.keys[g.MultipartID] = key
		return g
	}
	g.Target = capturetypes.WriteTarget{
		URL:     "mem://bucket/" + key,
		Method:  "PUT",
		Headers: map[string]string{"Content-Type": req.ContentType},
		Expires: expires,
	}
	return g
}

// Calls returns a snapshot of the calls received so far.
func (m *MockBroker) Calls() BrokerCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.calls
	c.Grants = slices.Clone(c.Grants)
	c.PartGrants = slices.Clone(c.PartGrants)
	c.Completes = slices.Clone(c.Completes)
	c.Confirms = slices.Clone(c.Confirms)
	c.Aborts = slices.Clone(c.Aborts)
	return c
}

// PartTarget returns the default endpoint of one part.
func PartTarget(multipartID string, partNumber int) *capturetypes.WriteTarget {
	return &capturetypes.WriteTarget{
		URL:     fmt.Sprintf("mem://bucket/%s/part-%05d", multipartID, partNumber),
		Method:  "PUT",
		Expires: time.Now().Add(15 * time.Minute),
	}
}

// PublicURL returns the read URL default grants advertise for key.
func PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}
