package validation

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

const (
	maxMetadataKeyLen   = 128
	maxMetadataValueLen = 2048
	maxTagLen           = 128
	maxTags             = 50
	maxDescriptionLen   = 4096
	maxCaseIDLen        = 256
)

// reservedMetadataPrefixes are claimed by the storage backend.
var reservedMetadataPrefixes = []string{"aws:", "x-amz-", "x-amz:"}

// Result is the outcome of validating one request.
type Result struct {
	// Violations lists every human-readable policy violation
	Violations []string
}

// Eligible reports whether the request passed every check.
func (r Result) Eligible() bool {
	return len(r.Violations) == 0
}

// Err returns a validation error carrying every violation, or nil.
func (r Result) Err(op string) error {
	if r.Eligible() {
		return nil
	}
	return errors.NewValidationError(op, r.Violations)
}

func (r *Result) addf(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// Validate checks req against policy. partSize is the multi-part slice size
// used to enforce the part count limit; 0 skips that check.
func Validate(req *capturetypes.UploadRequest, policy capturetypes.Policy, partSize int64) Result {
	var r Result
	if req == nil {
		r.addf("request is required")
		return r
	}

	if req.Body == nil {
		r.addf("payload is required")
	}

	caseID := strings.TrimSpace(req.CaseID)
	switch {
	case caseID == "":
		r.addf("case id is required")
	case len(req.CaseID) > maxCaseIDLen:
		r.addf("case id cannot exceed %d characters", maxCaseIDLen)
	case hasControlCharacters(req.CaseID) || strings.Contains(req.CaseID, "/"):
		r.addf("case id cannot contain control characters or slashes")
	}

	kindKnown := req.Kind.Valid()
	if !kindKnown {
		r.addf("unsupported artifact kind %q", req.Kind)
	}

	validateSize(&r, req, policy, kindKnown)
	validateType(&r, req, policy, kindKnown)
	validatePartCount(&r, req.Size, partSize, policy.MaxParts)

	for _, v := range metadataViolations(req.Metadata) {
		r.addf("%s", v)
	}
	validateTags(&r, req.Tags)

	if len(req.Description) > maxDescriptionLen {
		r.addf("description cannot exceed %d characters", maxDescriptionLen)
	}
	if req.SourceURL != "" {
		if err := validateSourceURL(req.SourceURL); err != nil {
			r.addf("source url %q: %v", req.SourceURL, err)
		}
	}

	return r
}

func validateSize(r *Result, req *capturetypes.UploadRequest, policy capturetypes.Policy, kindKnown bool) {
	if req.Size < 0 {
		r.addf("size cannot be negative")
		return
	}
	if req.Size < policy.MinBytes {
		r.addf("size %d bytes is below the minimum of %d bytes", req.Size, policy.MinBytes)
	}
	if !kindKnown {
		return
	}
	if limit, ok := policy.MaxBytes[req.Kind]; ok && limit > 0 && req.Size > limit {
		r.addf("size %d bytes exceeds the %s limit of %d bytes", req.Size, req.Kind, limit)
	}
}

func validateType(r *Result, req *capturetypes.UploadRequest, policy capturetypes.Policy, kindKnown bool) {
	mediaType := NormalizeContentType(req.ContentType)
	if mediaType == "" {
		r.addf("content type is required")
		return
	}
	if !kindKnown {
		return
	}
	allowed, ok := policy.AllowedTypes[req.Kind]
	if !ok || len(allowed) == 0 {
		return
	}
	for _, a := range allowed {
		if NormalizeContentType(a) == mediaType {
			return
		}
	}
	r.addf("content type %q is not allowed for %s (allowed: %s)",
		mediaType, req.Kind, strings.Join(allowed, ", "))
}

func validatePartCount(r *Result, size, partSize int64, maxParts int) {
	if partSize <= 0 || maxParts <= 0 || size <= 0 {
		return
	}
	if parts := PartCount(size, partSize); parts > maxParts {
		r.addf("payload needs %d parts of %d bytes, more than the maximum of %d", parts, partSize, maxParts)
	}
}

// PartCount returns how many parts of partSize cover size bytes.
func PartCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

// NormalizeContentType lower-cases a MIME type and strips its parameters.
func NormalizeContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func validateTags(r *Result, tags []string) {
	if len(tags) > maxTags {
		r.addf("cannot carry more than %d tags", maxTags)
	}
	for i, tag := range tags {
		switch {
		case strings.TrimSpace(tag) == "":
			r.addf("tag %d is empty", i)
		case len(tag) > maxTagLen:
			r.addf("tag %d cannot exceed %d characters", i, maxTagLen)
		case !isPrintable(tag):
			r.addf("tag %d can only contain printable characters", i)
		}
	}
}

func validateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("does not parse")
	}
	if !u.IsAbs() {
		return fmt.Errorf("must be absolute")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("missing host")
		}
	case "file":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// ValidateMetadata validates metadata keys and values according to storage rules.
func ValidateMetadata(metadata map[string]string) error {
	violations := metadataViolations(metadata)
	if len(violations) == 0 {
		return nil
	}
	return errors.NewValidationError("validateMetadata", violations)
}

func metadataViolations(metadata map[string]string) []string {
	var out []string
	for _, key := range slices.Sorted(maps.Keys(metadata)) {
		if v := metadataKeyViolation(key); v != "" {
			out = append(out, v)
		}
		if v := metadataValueViolation(key, metadata[key]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func metadataKeyViolation(key string) string {
	if key == "" {
		return "metadata key cannot be empty"
	}
	if len(key) > maxMetadataKeyLen {
		return fmt.Sprintf("metadata key %q cannot exceed %d characters", key, maxMetadataKeyLen)
	}
	lower := strings.ToLower(key)
	for _, prefix := range reservedMetadataPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return fmt.Sprintf("metadata key %q cannot start with reserved prefix %s", key, prefix)
		}
	}
	// Keys travel as HTTP header names
	for _, char := range key {
		if char <= 32 || char > 126 {
			return fmt.Sprintf("metadata key %q can only contain printable ASCII characters without spaces", key)
		}
	}
	return ""
}

func metadataValueViolation(key, value string) string {
	if len(value) > maxMetadataValueLen {
		return fmt.Sprintf("metadata value for %q cannot exceed %d characters", key, maxMetadataValueLen)
	}
	for _, char := range value {
		if !unicode.IsPrint(char) && char != '\t' {
			return fmt.Sprintf("metadata value for %q can only contain printable characters", key)
		}
	}
	return ""
}

func isPrintable(s string) bool {
	for _, char := range s {
		if !unicode.IsPrint(char) {
			return false
		}
	}
	return true
}

func hasControlCharacters(s string) bool {
	for _, char := range s {
		if unicode.IsControl(char) {
			return true
		}
	}
	return false
}
