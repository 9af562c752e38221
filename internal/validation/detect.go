package validation

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/pool"
)

// DefaultContentType is used when nothing better can be determined.
const DefaultContentType = "application/octet-stream"

// captureExtensions covers capture formats missing from the platform MIME tables.
var captureExtensions = map[string]string{
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// DetectContentType determines the content type of a payload by sniffing
// its first bytes, falling back to the file name extension.
func DetectContentType(body io.ReaderAt, size int64, fileName string) string {
	if body != nil && size > 0 {
		buf := pool.GetSniffBuffer()
		defer pool.PutSniffBuffer(buf)

		if size < int64(len(buf)) {
			buf = buf[:size]
		}
		n, err := body.ReadAt(buf, 0)
		if n > 0 && (err == nil || err == io.EOF) {
			mt := mimetype.Detect(buf[:n])
			if mt != nil && !mt.Is(DefaultContentType) && !strings.HasPrefix(mt.String(), "text/plain") {
				return NormalizeContentType(mt.String())
			}
		}
	}

	return ContentTypeFromExtension(fileName)
}

// ContentTypeFromExtension maps a file name extension to a content type.
func ContentTypeFromExtension(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return DefaultContentType
	}
	if ct, ok := captureExtensions[ext]; ok {
		return ct
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		return NormalizeContentType(byExt)
	}
	return DefaultContentType
}

// ExtensionFor returns the canonical file extension for a content type,
// including the leading dot, or "" when unknown.
func ExtensionFor(contentType string) string {
	ct := NormalizeContentType(contentType)
	if ct == "" {
		return ""
	}
	if mt := mimetype.Lookup(ct); mt != nil && mt.Extension() != "" {
		return mt.Extension()
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
