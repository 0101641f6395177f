package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

func makeChunk(rows int, pad int) *core.Chunk {
	chunk := &core.Chunk{}
	filler := make([]byte, pad)
	for i := 0; i < rows; i++ {
		chunk.Rows = append(chunk.Rows, core.Row{
			"id":      i,
			"payload": string(filler),
		})
	}
	return chunk
}

func TestCache_StoreRetrieve(t *testing.T) {
	t.Parallel()
	c := New(16, t.TempDir())

	in := []*core.Chunk{makeChunk(10, 32)}
	require.NoError(t, c.Store("extract", in))

	out, err := c.Retrieve("extract")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 10, out[0].RowCount())
	assert.Equal(t, 1, c.Stats().NodesInRAM)
}

func TestCache_MissingNodeYieldsEmpty(t *testing.T) {
	t.Parallel()
	c := New(16, t.TempDir())

	out, err := c.Retrieve("absent")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCache_ReplaceExisting(t *testing.T) {
	t.Parallel()
	c := New(16, t.TempDir())

	require.NoError(t, c.Store("n1", []*core.Chunk{makeChunk(5, 16)}))
	require.NoError(t, c.Store("n1", []*core.Chunk{makeChunk(3, 16)}))

	out, err := c.Retrieve("n1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].RowCount())
	assert.Equal(t, 1, c.Stats().NodesInRAM)
}

func TestCache_SpillAndReload(t *testing.T) {
	t.Parallel()
	// 1 MB budget forces the large entry straight to disk.
	c := New(1, t.TempDir())

	big := []*core.Chunk{makeChunk(2000, 2048)}
	require.NoError(t, c.Store("big", big))

	stats := c.Stats()
	assert.Equal(t, 0, stats.NodesInRAM)
	assert.Equal(t, 1, stats.NodesSpilled)

	out, err := c.Retrieve("big")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2000, out[0].RowCount())
	assert.Equal(t, big[0].Rows[0]["payload"], out[0].Rows[0]["payload"])
}

func TestCache_EvictsLRUUnderPressure(t *testing.T) {
	t.Parallel()
	c := New(1, t.TempDir())

	// Each entry is roughly 600 KB; the third insert must push one out.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Store(fmt.Sprintf("n%d", i), []*core.Chunk{makeChunk(500, 1024)}))
	}

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.NodesSpilled, 1)
	assert.LessOrEqual(t, stats.UtilizationPct, 100.0)

	// Every node is still retrievable, spilled or not.
	for i := 0; i < 3; i++ {
		out, err := c.Retrieve(fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, 500, out[0].RowCount())
	}
}

func TestCache_ClearNode(t *testing.T) {
	t.Parallel()
	c := New(16, t.TempDir())

	require.NoError(t, c.Store("n1", []*core.Chunk{makeChunk(5, 16)}))
	c.ClearNode("n1")

	out, err := c.Retrieve("n1")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, c.Stats().MemoryMB)
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()
	c := New(1, t.TempDir())

	require.NoError(t, c.Store("ram", []*core.Chunk{makeChunk(5, 16)}))
	require.NoError(t, c.Store("disk", []*core.Chunk{makeChunk(2000, 2048)}))
	c.Clear()

	stats := c.Stats()
	assert.Zero(t, stats.NodesInRAM)
	assert.Zero(t, stats.NodesSpilled)
}

func TestCache_EvictUnder(t *testing.T) {
	t.Parallel()
	c := New(1, t.TempDir())

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Store(fmt.Sprintf("n%d", i), []*core.Chunk{makeChunk(300, 1024)}))
	}
	require.NoError(t, c.EvictUnder(0.25))

	stats := c.Stats()
	assert.LessOrEqual(t, stats.UtilizationPct, 25.0)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New(4, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("node-%d", i%4)
			_ = c.Store(id, []*core.Chunk{makeChunk(50, 256)})
			out, err := c.Retrieve(id)
			assert.NoError(t, err)
			assert.NotEmpty(t, out)
		}(i)
	}
	wg.Wait()
}
