package testutil

import (
	"bytes"
	"io"
	"math/rand"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// pngHeader makes generated screenshots sniff as image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// Payload returns size deterministic pseudo-random bytes.
func Payload(size int64, seed int64) []byte {
	data := make([]byte, size)
	r := rand.New(rand.NewSource(seed)) //nolint:gosec // test data
	_, _ = r.Read(data)
	return data
}

// PNG returns a payload of size bytes that starts with a PNG signature.
func PNG(size int64) []byte {
	data := Payload(size, 1)
	copy(data, pngHeader)
	return data
}

// ScreenshotRequest builds a screenshot upload request over data.
func ScreenshotRequest(caseID string, data []byte) *capturetypes.UploadRequest {
	return &capturetypes.UploadRequest{
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: "image/png",
		CaseID:      caseID,
		Kind:        capturetypes.KindScreenshot,
		FileName:    "capture.png",
	}
}

// VideoRequest builds a video upload request over data.
func VideoRequest(caseID string, data []byte) *capturetypes.UploadRequest {
	return &capturetypes.UploadRequest{
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: "video/webm",
		CaseID:      caseID,
		Kind:        capturetypes.KindVideo,
		FileName:    "recording.webm",
	}
}

// SizedReader reports size without holding the bytes; ReadAt yields zeros.
// It lets validation tests declare payloads far larger than memory allows.
type SizedReader struct {
	Size int64
}

// ReadAt fills p with zeros within the declared size.
func (s SizedReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.Size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if remaining := s.Size - off; n > remaining {
		n = remaining
	}
	clear(p[:n])
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}
