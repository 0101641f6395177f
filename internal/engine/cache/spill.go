package cache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/pierrec/lz4/v4"
)

// Spill files are lz4-framed JSON, one file per chunk.

func writeChunkFile(path string, chunk *core.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create spill file %s: %w", path, err)
	}
	defer f.Close()

	zw := lz4.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(chunk); err != nil {
		return fmt.Errorf("failed to encode spill file %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush spill file %s: %w", path, err)
	}
	return f.Sync()
}

func readChunkFile(path string) (*core.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file %s: %w", path, err)
	}
	defer f.Close()

	var chunk core.Chunk
	if err := json.NewDecoder(lz4.NewReader(f)).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("failed to decode spill file %s: %w", path, err)
	}
	return &chunk, nil
}
