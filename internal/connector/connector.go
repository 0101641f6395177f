// Package connector defines the capability surface the engine expects from
// external systems, plus a registry keyed by connection type string. Concrete
// connectors register themselves at init time.
package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// ReadParams carries the filters for one batch read.
type ReadParams struct {
	// WatermarkColumn, when set with WatermarkValue, restricts the read to
	// rows strictly greater than the value.
	WatermarkColumn string
	WatermarkValue  any
	// Backfill bounds the read to a historical window.
	Backfill *core.BackfillWindow
	// Query overrides asset-based reading with a raw query where the
	// connector supports it.
	Query string
	// BatchSize is the preferred chunk row count; zero means connector
	// default.
	BatchSize int
}

// ChunkStream yields chunks one at a time. Next returns (nil, nil) when the
// stream is exhausted.
type ChunkStream interface {
	Next(ctx context.Context) (*core.Chunk, error)
	Close() error
}

// Connector is a live session against one external system. Sessions are
// per-run: obtain from the registry, Open, use, Close.
type Connector interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	ReadBatch(ctx context.Context, asset *core.Asset, params ReadParams) (ChunkStream, error)
	// WriteBatch drains the stream into the asset under the given strategy
	// and returns the number of rows written.
	WriteBatch(ctx context.Context, asset *core.Asset, strategy core.WriteStrategy, chunks ChunkStream) (int64, error)
	ExecuteQuery(ctx context.Context, query string) (*core.Chunk, error)
	DiscoverAssets(ctx context.Context) ([]core.Asset, error)
	InferSchema(ctx context.Context, asset *core.Asset) (map[string]core.ColumnType, error)
	TestConnection(ctx context.Context) error
}

// SchemaEvolver is the optional capability of destinations that can widen
// their schema on request (schema_evolution_policy=evolve).
type SchemaEvolver interface {
	AddColumns(ctx context.Context, asset *core.Asset, columns map[string]core.ColumnType) error
}

// Factory builds a connector from a resolved connection blob.
type Factory func(blob *core.ConnectionBlob) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory for a connection type. Later registrations for
// the same type replace earlier ones.
func Register(connType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[connType] = factory
}

// New builds a connector for the blob's type. Unknown types are a
// configuration error.
func New(blob *core.ConnectionBlob) (Connector, error) {
	registryMu.RLock()
	factory, ok := registry[blob.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, core.NewError(core.ErrConfiguration,
			"unknown connection type %q (registered: %v)", blob.Type, Types())
	}
	return factory(blob)
}

// Types returns the registered connection type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SliceStream adapts an in-memory chunk slice to a ChunkStream.
type SliceStream struct {
	chunks []*core.Chunk
	pos    int
}

// NewSliceStream wraps chunks in a stream.
func NewSliceStream(chunks []*core.Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

// Next implements ChunkStream.
func (s *SliceStream) Next(ctx context.Context) (*core.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.ErrCancelled, err, "stream cancelled")
	}
	if s.pos >= len(s.chunks) {
		return nil, nil
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

// Close implements ChunkStream.
func (s *SliceStream) Close() error { return nil }

// Drain reads a stream to exhaustion, returning all chunks.
func Drain(ctx context.Context, stream ChunkStream) ([]*core.Chunk, error) {
	defer stream.Close()
	var out []*core.Chunk
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return out, nil
		}
		out = append(out, chunk)
	}
}
