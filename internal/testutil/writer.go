package testutil

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // ETags mirror object storage, not a security boundary
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// ErrNetwork is a transient network failure for injection in tests.
var ErrNetwork error = &netError{msg: "connection reset by peer"}

type netError struct{ msg string }

func (e *netError) Error() string   { return e.msg }
func (e *netError) Timeout() bool   { return false }
func (e *netError) Temporary() bool { return true }

// MemoryWriter is an in-memory ObjectWriter. Objects are stored by target URL.
//
// Thread Safety: MemoryWriter is safe for concurrent use.
type MemoryWriter struct {
	// ChunkSize is the number of bytes copied per progress event (64KB when zero)
	ChunkSize int64

	// FailFunc, when set, is called before each write with the 1-based call
	// count for the target URL; a non-nil error fails that write
	FailFunc func(target capturetypes.WriteTarget, call int) error

	// OnChunk, when set, is called after each chunk with the bytes written so
	// far; a non-nil error aborts the write
	OnChunk func(ctx context.Context, target capturetypes.WriteTarget, written int64) error

	mu      sync.Mutex
	objects map[string][]byte
	calls   map[string]int
	order   []string
}

// NewMemoryWriter creates an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

// Write stores body under target.URL.
func (w *MemoryWriter) Write(
	ctx context.Context,
	target capturetypes.WriteTarget,
	body io.Reader,
	size int64,
	onBytes func(int64),
) (string, error) {
	w.mu.Lock()
	if w.calls == nil {
		w.calls = make(map[string]int)
	}
	w.calls[target.URL]++
	call := w.calls[target.URL]
	w.order = append(w.order, target.URL)
	w.mu.Unlock()

	if w.FailFunc != nil {
		if err := w.FailFunc(target, call); err != nil {
			return "", err
		}
	}

	chunk := w.ChunkSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}

	var buf bytes.Buffer
	var written int64
	for written < size {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := io.CopyN(&buf, body, min(chunk, size-written))
		written += n
		if n > 0 && onBytes != nil {
			onBytes(written)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if w.OnChunk != nil {
			if err := w.OnChunk(ctx, target, written); err != nil {
				return "", err
			}
		}
	}

	data := buf.Bytes()
	sum := md5.Sum(data) //nolint:gosec // see import
	w.mu.Lock()
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[target.URL] = data
	w.mu.Unlock()

	return `"` + hex.EncodeToString(sum[:]) + `"`, nil
}

// Object returns the bytes stored under url.
func (w *MemoryWriter) Object(url string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.objects[url]
	return data, ok
}

// Calls returns how many writes targeted url.
func (w *MemoryWriter) Calls(url string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[url]
}

// TotalCalls returns the number of writes of any target.
func (w *MemoryWriter) TotalCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// ETag returns the tag MemoryWriter reports for data.
func ETag(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // see import
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
