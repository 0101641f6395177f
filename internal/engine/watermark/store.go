// Package watermark tracks per-(pipeline, asset) incremental checkpoints.
// Advances are monotonic: a new value is persisted only when it is strictly
// greater than the stored one under the column type's ordering.
package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Store persists watermarks. Implementations must keep Advance atomic with
// respect to concurrent calls for the same (pipeline, asset) key.
type Store interface {
	// Get returns the watermark for the key, or nil when none is recorded.
	Get(ctx context.Context, pipelineID, assetID string) (*core.Watermark, error)
	// Advance records value if it is strictly greater than the stored one.
	// Returns true when the watermark moved.
	Advance(ctx context.Context, pipelineID, assetID, column string, value any) (bool, error)
}

// MemoryStore is the in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[markKey]*core.Watermark
}

type markKey struct {
	pipelineID string
	assetID    string
}

// NewMemoryStore creates an empty in-memory watermark store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[markKey]*core.Watermark)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, pipelineID, assetID string) (*core.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.marks[markKey{pipelineID, assetID}]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

// Advance implements Store.
func (s *MemoryStore) Advance(_ context.Context, pipelineID, assetID, column string, value any) (bool, error) {
	normalized, err := Normalize(value)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := markKey{pipelineID, assetID}
	current, ok := s.marks[key]
	if ok && current.Column == column {
		cmp, err := Compare(normalized, current.LastValue)
		if err != nil {
			return false, err
		}
		if cmp <= 0 {
			return false, nil
		}
	}

	s.marks[key] = &core.Watermark{
		PipelineID:  pipelineID,
		AssetID:     assetID,
		Column:      column,
		LastValue:   normalized,
		LastUpdated: time.Now().UTC(),
	}
	return true, nil
}
