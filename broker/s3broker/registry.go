package s3broker

import (
	"context"
	"slices"
	"sync"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// Artifact is what the broker registers once a write is confirmed.
type Artifact struct {
	capturetypes.Record

	Digest      string            `json:"digest,omitempty"`
	ETag        string            `json:"etag,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Description string            `json:"description,omitempty"`
	SourceURL   string            `json:"sourceUrl,omitempty"`
}

// Registry is the case registry, the catalog of record for artifacts.
// Register must be idempotent per artifact id.
type Registry interface {
	Register(ctx context.Context, artifact Artifact) error
}

// MemoryRegistry is a Registry holding artifacts in memory.
//
// Thread Safety: MemoryRegistry is safe for concurrent use.
type MemoryRegistry struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
	order     []string
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{artifacts: make(map[string]Artifact)}
}

// Register stores the artifact, replacing an earlier registration of the same id.
func (r *MemoryRegistry) Register(_ context.Context, artifact Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[artifact.ArtifactID]; !ok {
		r.order = append(r.order, artifact.ArtifactID)
	}
	r.artifacts[artifact.ArtifactID] = artifact
	return nil
}

// Get returns a registered artifact.
func (r *MemoryRegistry) Get(id string) (Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[id]
	return a, ok
}

// ByCase returns the artifacts of a case in registration order.
func (r *MemoryRegistry) ByCase(caseID string) []Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Artifact
	for _, id := range r.order {
		if a := r.artifacts[id]; a.CaseID == caseID {
			a.Tags = slices.Clone(a.Tags)
			out = append(out, a)
		}
	}
	return out
}
