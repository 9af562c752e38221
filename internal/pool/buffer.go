// Package pool provides reusable buffers for streaming payload bytes.
//
// Checksumming and form-encoded writes copy the whole payload through
// memory; pooling the copy buffers keeps concurrent sessions from
// allocating a fresh buffer per pass.
package pool

import (
	"bytes"
	"sync"
)

const (
	// CopyBufferSize is the size of buffers handed out by GetCopy (64KB)
	CopyBufferSize = 64 * 1024

	// SniffBufferSize is enough of a payload to detect its content type (3KB)
	SniffBufferSize = 3 * 1024

	// maxRetainedBody caps the capacity of body buffers returned to the pool
	maxRetainedBody = 16 * 1024 * 1024
)

// BufferPool manages reusable copy buffers and body buffers.
type BufferPool struct {
	copy  *sync.Pool
	sniff *sync.Pool
	body  *sync.Pool
}

// NewBufferPool creates a new buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		copy: &sync.Pool{
			New: func() any {
				buf := make([]byte, CopyBufferSize)
				return &buf
			},
		},
		sniff: &sync.Pool{
			New: func() any {
				buf := make([]byte, SniffBufferSize)
				return &buf
			},
		},
		body: &sync.Pool{
			New: func() any {
				return new(bytes.Buffer)
			},
		},
	}
}

// GetCopy returns a full-length copy buffer.
// The caller is responsible for calling PutCopy to return the buffer to the pool.
func (bp *BufferPool) GetCopy() []byte {
	bufPtr := bp.copy.Get().(*[]byte)
	return (*bufPtr)[:CopyBufferSize]
}

// PutCopy returns a copy buffer to the pool.
// Buffers of a foreign capacity are dropped.
func (bp *BufferPool) PutCopy(buf []byte) {
	if cap(buf) != CopyBufferSize {
		return
	}
	buf = buf[:CopyBufferSize]
	bp.copy.Put(&buf)
}

// GetSniff returns a full-length buffer for content type detection.
func (bp *BufferPool) GetSniff() []byte {
	bufPtr := bp.sniff.Get().(*[]byte)
	return (*bufPtr)[:SniffBufferSize]
}

// PutSniff returns a sniff buffer to the pool.
func (bp *BufferPool) PutSniff(buf []byte) {
	if cap(buf) != SniffBufferSize {
		return
	}
	buf = buf[:SniffBufferSize]
	bp.sniff.Put(&buf)
}

// GetBody returns an empty body buffer.
func (bp *BufferPool) GetBody() *bytes.Buffer {
	b := bp.body.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBody returns a body buffer to the pool.
// Very large buffers are not pooled to avoid memory bloat.
func (bp *BufferPool) PutBody(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxRetainedBody {
		return
	}
	b.Reset()
	bp.body.Put(b)
}

// Global buffer pool instance shared by the pipeline.
var globalBufferPool = NewBufferPool()

// GetCopyBuffer returns a copy buffer from the global pool.
func GetCopyBuffer() []byte {
	return globalBufferPool.GetCopy()
}

// PutCopyBuffer returns a copy buffer to the global pool.
func PutCopyBuffer(buf []byte) {
	globalBufferPool.PutCopy(buf)
}

// GetSniffBuffer returns a sniff buffer from the global pool.
func GetSniffBuffer() []byte {
	return globalBufferPool.GetSniff()
}

// PutSniffBuffer returns a sniff buffer to the global pool.
func PutSniffBuffer(buf []byte) {
	globalBufferPool.PutSniff(buf)
}

// GetBodyBuffer returns a body buffer from the global pool.
func GetBodyBuffer() *bytes.Buffer {
	return globalBufferPool.GetBody()
}

// PutBodyBuffer returns a body buffer to the global pool.
func PutBodyBuffer(b *bytes.Buffer) {
	globalBufferPool.PutBody(b)
}
