package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Forensics captures the chunks flowing through each node to disk for
// post-mortem inspection. Capture is best-effort: failures are swallowed and
// never interrupt the data path. Files are lz4-framed JSON lines appended in
// blocks, one file per (node, direction) under the run directory.
type Forensics struct {
	mu      sync.Mutex
	baseDir string
	failed  bool
}

// NewForensics creates a capture rooted at baseDir.
func NewForensics(baseDir string) *Forensics {
	return &Forensics{baseDir: baseDir}
}

// Capture appends one chunk to the node's capture file.
func (f *Forensics) Capture(runID, nodeID, direction string, chunk *core.Chunk) {
	if f == nil || chunk == nil || chunk.RowCount() == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return
	}
	if err := f.appendBlock(runID, nodeID, direction, chunk); err != nil {
		// Disk trouble disables capture for the rest of the run.
		f.failed = true
	}
}

func (f *Forensics) appendBlock(runID, nodeID, direction string, chunk *core.Chunk) error {
	dir := filepath.Join(f.baseDir, "run_"+sanitizeName(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl.lz4", sanitizeName(nodeID), direction))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	zw := lz4.NewWriter(file)
	enc := json.NewEncoder(zw)
	for _, row := range chunk.Rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return zw.Close()
}

// RunDir returns the capture directory for a run.
func (f *Forensics) RunDir(runID string) string {
	return filepath.Join(f.baseDir, "run_"+sanitizeName(runID))
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
