// Package capturetypes provides shared type definitions for the capture upload module.
package capturetypes

import (
	"io"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

// ArtifactKind identifies what a capture is.
type ArtifactKind string

// Supported artifact kinds
const (
	// KindScreenshot is a still image capture (full screen or region crop)
	KindScreenshot ArtifactKind = "screenshot"

	// KindVideo is a screen recording
	KindVideo ArtifactKind = "video"
)

// Valid reports whether k is a supported artifact kind.
func (k ArtifactKind) Valid() bool {
	return k == KindScreenshot || k == KindVideo
}

// UploadRequest describes one artifact to upload. It is created by a capture
// source and never mutated by the pipeline.
type UploadRequest struct {
	// Body provides random access to the payload; multi-part transfers read
	// disjoint ranges concurrently
	Body io.ReaderAt

	// Size is the declared payload length in bytes
	Size int64

	// ContentType is the declared MIME type; detected from the payload when empty
	ContentType string

	// CaseID is the logical owner of the artifact
	CaseID string

	// Kind is the artifact kind
	Kind ArtifactKind

	// FileName is an optional original file name, used for the key extension
	FileName string

	// Tags are free-form labels stored with the artifact
	Tags []string

	// Metadata is free-form key/value metadata stored with the artifact
	Metadata map[string]string

	// Description is an optional human description
	Description string

	// SourceURL is an optional origin reference (e.g. the page the capture was taken from)
	SourceURL string
}

// GrantRequest is what the broker receives when asked for a write grant.
type GrantRequest struct {
	CaseID      string            `json:"caseId"`
	Kind        ArtifactKind      `json:"kind"`
	ContentType string            `json:"contentType"`
	Size        int64             `json:"size"`
	FileName    string            `json:"fileName,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Description string            `json:"description,omitempty"`
	SourceURL   string            `json:"sourceUrl,omitempty"`
	Digest      string            `json:"digest,omitempty"`

	// Multipart asks the broker to open a multipart session
	Multipart bool  `json:"multipart"`
	PartSize  int64 `json:"partSize,omitempty"`
	PartCount int   `json:"partCount,omitempty"`
}

// WriteTarget is one endpoint the broker authorized for writing.
type WriteTarget struct {
	// URL is the presigned write endpoint
	URL string `json:"url"`

	// Method is the HTTP method the grant authorizes (PUT or POST)
	Method string `json:"method"`

	// Headers must be sent with the write
	Headers map[string]string `json:"headers,omitempty"`

	// FormFields must be sent as multipart/form-data fields (POST policy grants)
	FormFields map[string]string `json:"formFields,omitempty"`

	// Expires is when the endpoint stops accepting writes
	Expires time.Time `json:"expires,omitempty"`
}

// WriteGrant is a broker-issued, time-limited permission to write one object.
type WriteGrant struct {
	// GrantID identifies the grant for confirmation
	GrantID string `json:"grantId"`

	// Key is the storage key the object will have
	Key string `json:"key"`

	// PublicURL is the read URL the object will have once written
	PublicURL string `json:"publicUrl"`

	// Target is the single-shot write endpoint
	Target WriteTarget `json:"target"`

	// ExpiresAt is when the grant stops being valid
	ExpiresAt time.Time `json:"expiresAt"`

	// MultipartID identifies the multipart session; empty for single-shot grants
	MultipartID string `json:"multipartId,omitempty"`
}

// Multipart reports whether the grant opened a multipart session.
func (g *WriteGrant) Multipart() bool {
	return g != nil && g.MultipartID != ""
}

// PartResult records one uploaded part of a multi-part transfer.
type PartResult struct {
	// PartNumber is 1-based and contiguous
	PartNumber int `json:"partNumber"`

	// Offset is the first payload byte covered by the part
	Offset int64 `json:"offset"`

	// Size is the number of payload bytes covered by the part
	Size int64 `json:"size"`

	// ETag is the integrity tag returned by the storage endpoint
	ETag string `json:"etag"`

	// Attempts is how many attempts the part took
	Attempts int `json:"attempts,omitempty"`
}

// End returns the first byte after the part.
func (p PartResult) End() int64 {
	return p.Offset + p.Size
}

// ObjectRef identifies a finalized object.
type ObjectRef struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	ETag string `json:"etag,omitempty"`
}

// State is the lifecycle state of an upload session.
type State string

// Session states
const (
	StateCreated         State = "created"
	StateValidating      State = "validating"
	StateRequestingGrant State = "requesting_grant"
	StateTransferring    State = "transferring"
	StateRetrying        State = "retrying"
	StateConfirming      State = "confirming"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Progress is one progress event delivered to observers.
type Progress struct {
	// Percentage is in [0, 100] and never decreases within a session
	Percentage float64

	// BytesLoaded is the aggregate number of bytes transferred so far
	BytesLoaded int64

	// BytesTotal is the payload size
	BytesTotal int64

	// Speed is bytes per second between the two most recent samples (nil when undefined)
	Speed *float64

	// ETASeconds is the estimated time remaining (nil when speed is zero or undefined)
	ETASeconds *float64
}

// Outcome is the single terminal result of a session.
type Outcome struct {
	SessionID string
	Success   bool

	// Key and URL identify the stored object
	Key string
	URL string

	// Size is the number of bytes written
	Size int64

	// Digest is the base64 SHA-256 of the payload
	Digest string

	// Duration is the time from submission to the terminal state
	Duration time.Duration

	// Attempts is the attempt count of the operation that decided the outcome
	Attempts int

	// Kind classifies the failure; KindNone on success
	Kind errors.Kind

	// Err is the final error; nil on success
	Err error

	// BytesStored reports whether the bytes may be durably stored despite a failure
	BytesStored bool

	// Parts lists the uploaded parts of a multi-part transfer
	Parts []PartResult
}

// SessionSnapshot is a read-only copy of an upload session.
type SessionSnapshot struct {
	ID               string
	CaseID           string
	Kind             ArtifactKind
	ContentType      string
	State            State
	Grant            *WriteGrant
	BytesTransferred int64
	TotalBytes       int64
	Attempt          int
	Cancelled        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Parts            []PartResult
	Outcome          *Outcome
}

// Callbacks receive session events. Any of them may be nil.
// OnProgress may be invoked from different goroutines but never concurrently
// and never with a lower percentage than a previous call.
// Exactly one of OnSuccess and OnError is invoked per session.
type Callbacks struct {
	OnProgress func(Progress)
	OnSuccess  func(*Outcome)
	OnError    func(*Outcome)
}

// Record is the local record kept for each completed upload.
// It is a display cache, not the catalog of record.
type Record struct {
	ArtifactID  string       `json:"artifactId"`
	Key         string       `json:"key"`
	URL         string       `json:"url"`
	Size        int64        `json:"size"`
	CaseID      string       `json:"caseId"`
	Kind        ArtifactKind `json:"kind"`
	ContentType string       `json:"contentType"`
	CompletedAt time.Time    `json:"completedAt"`
}
