package validation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/pool"
)

// Checksum streams size bytes of body through SHA-256 and returns the
// base64-encoded digest. It stops early when ctx ends.
func Checksum(ctx context.Context, body io.ReaderAt, size int64) (string, error) {
	if body == nil {
		return "", fmt.Errorf("checksum: payload is nil")
	}
	if size < 0 {
		return "", fmt.Errorf("checksum: negative size %d", size)
	}

	buf := pool.GetCopyBuffer()
	defer pool.PutCopyBuffer(buf)

	h := sha256.New()
	r := io.NewSectionReader(body, 0, size)
	var read int64
	for read < size {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("checksum: read payload: %w", err)
		}
	}

	if read != size {
		return "", fmt.Errorf("checksum: payload has %d bytes, declared %d: %w", read, size, io.ErrUnexpectedEOF)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
