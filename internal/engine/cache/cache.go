// Package cache provides the shared inter-node chunk store for a pipeline
// run: a thread-safe keyed map with a RAM budget, LRU eviction, and
// spill-to-disk for evicted entries.
package cache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Cache holds the output chunks of completed nodes for downstream consumers.
// All mutations are serialized by a single mutex; reads of spilled entries
// perform disk I/O under the lock.
type Cache struct {
	mu         sync.Mutex
	limitBytes int64
	spillDir   string
	entries    map[string]*entry
	spilled    map[string]int // node id -> chunk count on disk
	recency    *list.List     // front = most recent; values are node ids
	usedBytes  int64
}

type entry struct {
	chunks []*core.Chunk
	bytes  int64
	elem   *list.Element
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	NodesInRAM     int     `json:"nodes_in_ram"`
	NodesSpilled   int     `json:"nodes_spilled"`
	MemoryMB       float64 `json:"memory_mb"`
	MemoryLimitMB  int64   `json:"memory_limit_mb"`
	UtilizationPct float64 `json:"utilization_pct"`
	SpillDir       string  `json:"spill_dir"`
}

// New creates a cache with the given RAM budget in MB, spilling to spillDir.
func New(memoryLimitMB int64, spillDir string) *Cache {
	if memoryLimitMB <= 0 {
		memoryLimitMB = 512
	}
	return &Cache{
		limitBytes: memoryLimitMB * 1024 * 1024,
		spillDir:   spillDir,
		entries:    make(map[string]*entry),
		spilled:    make(map[string]int),
		recency:    list.New(),
	}
}

// Store accepts a node's output chunks, replacing any prior entry for the
// node. If the insertion would exceed the RAM budget, least-recently-used
// entries are spilled to disk until the new entry fits; an entry too large
// for the budget on its own is spilled directly.
func (c *Cache) Store(nodeID string, chunks []*core.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked(nodeID)

	size := core.TotalBytes(chunks)
	if size > c.limitBytes {
		return c.spillLocked(nodeID, chunks)
	}

	for c.usedBytes+size > c.limitBytes {
		victim := c.recency.Back()
		if victim == nil {
			// Nothing left to evict; spill the incoming entry instead.
			return c.spillLocked(nodeID, chunks)
		}
		if err := c.evictLocked(victim.Value.(string)); err != nil {
			return err
		}
	}

	e := &entry{chunks: chunks, bytes: size}
	e.elem = c.recency.PushFront(nodeID)
	c.entries[nodeID] = e
	c.usedBytes += size
	return nil
}

// Retrieve returns the chunks stored for a node, loading them back from disk
// when the entry was spilled. A missing node yields an empty list. Spilled
// entries stay disk-backed; each retrieval materializes a fresh copy.
func (c *Cache) Retrieve(nodeID string) ([]*core.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[nodeID]; ok {
		c.recency.MoveToFront(e.elem)
		return e.chunks, nil
	}
	if count, ok := c.spilled[nodeID]; ok {
		return c.loadSpilled(nodeID, count)
	}
	return nil, nil
}

// ClearNode drops both RAM and disk entries for a node.
func (c *Cache) ClearNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(nodeID)
}

// Clear drops every entry, RAM and disk.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.dropLocked(id)
	}
	for id := range c.spilled {
		c.dropLocked(id)
	}
}

// EvictUnder spills LRU entries until utilization is at or below the target
// fraction of the budget. Used by the runner for proactive memory management
// between layers.
func (c *Cache) EvictUnder(target float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := int64(float64(c.limitBytes) * target)
	for c.usedBytes > limit {
		victim := c.recency.Back()
		if victim == nil {
			return nil
		}
		if err := c.evictLocked(victim.Value.(string)); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	const mb = 1024 * 1024
	return Stats{
		NodesInRAM:     len(c.entries),
		NodesSpilled:   len(c.spilled),
		MemoryMB:       float64(c.usedBytes) / mb,
		MemoryLimitMB:  c.limitBytes / mb,
		UtilizationPct: 100 * float64(c.usedBytes) / float64(c.limitBytes),
		SpillDir:       c.spillDir,
	}
}

func (c *Cache) dropLocked(nodeID string) {
	if e, ok := c.entries[nodeID]; ok {
		c.recency.Remove(e.elem)
		c.usedBytes -= e.bytes
		delete(c.entries, nodeID)
	}
	if _, ok := c.spilled[nodeID]; ok {
		_ = os.RemoveAll(c.nodeSpillDir(nodeID))
		delete(c.spilled, nodeID)
	}
}

// evictLocked moves one in-RAM entry to disk.
func (c *Cache) evictLocked(nodeID string) error {
	e, ok := c.entries[nodeID]
	if !ok {
		return nil
	}
	if err := c.spillLocked(nodeID, e.chunks); err != nil {
		return err
	}
	c.recency.Remove(e.elem)
	c.usedBytes -= e.bytes
	delete(c.entries, nodeID)
	return nil
}

func (c *Cache) spillLocked(nodeID string, chunks []*core.Chunk) error {
	dir := c.nodeSpillDir(nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spill directory %s: %w", dir, err)
	}
	for i, chunk := range chunks {
		if err := writeChunkFile(filepath.Join(dir, chunkFileName(i)), chunk); err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
	}
	c.spilled[nodeID] = len(chunks)
	return nil
}

func (c *Cache) loadSpilled(nodeID string, count int) ([]*core.Chunk, error) {
	dir := c.nodeSpillDir(nodeID)
	chunks := make([]*core.Chunk, 0, count)
	for i := 0; i < count; i++ {
		chunk, err := readChunkFile(filepath.Join(dir, chunkFileName(i)))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (c *Cache) nodeSpillDir(nodeID string) string {
	return filepath.Join(c.spillDir, sanitize(nodeID))
}

func chunkFileName(i int) string {
	return fmt.Sprintf("chunk_%04d.json.lz4", i)
}

// sanitize maps a node id onto a safe directory name.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
