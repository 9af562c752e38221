// Package record keeps the local records of completed uploads.
// Records are a display cache bounded by size and age; the external case
// registry remains the catalog of record.
package record

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
)

// Store is a bounded, expiring record cache keyed by artifact id.
//
// Thread Safety: Store is safe for concurrent use.
type Store struct {
	cache *expirable.LRU[string, capturetypes.Record]
}

// New creates a store holding at most capacity records for at most ttl.
// A zero ttl keeps records until they are evicted by capacity.
func New(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{cache: expirable.NewLRU[string, capturetypes.Record](capacity, nil, ttl)}
}

// Add stores r, replacing any record with the same artifact id.
func (s *Store) Add(r capturetypes.Record) {
	s.cache.Add(r.ArtifactID, r)
}

// Get returns the record of an artifact.
func (s *Store) Get(artifactID string) (capturetypes.Record, bool) {
	return s.cache.Get(artifactID)
}

// List returns the live records, most recently completed first.
func (s *Store) List() []capturetypes.Record {
	records := s.cache.Values()
	slices.SortStableFunc(records, func(a, b capturetypes.Record) int {
		return b.CompletedAt.Compare(a.CompletedAt)
	})
	return records
}

// Len returns the number of live records.
func (s *Store) Len() int {
	return s.cache.Len()
}
