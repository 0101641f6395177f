package executor

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/connector"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/operator"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
)

func testSetup(t *testing.T) (*connector.Bank, map[string]core.ConnectionBlob) {
	t.Helper()
	bank := connector.BankFor(t.Name())
	blobs := map[string]core.ConnectionBlob{
		"conn-1": {ID: "conn-1", Type: connector.TypeMemory,
			Config: map[string]any{"bank": t.Name()}},
	}
	return bank, blobs
}

func sourceNode(asset string, extra map[string]any) *core.Node {
	cfg := map[string]any{
		"source_asset": map[string]any{
			"id":                   "asset-src",
			"connection_id":        "conn-1",
			"fully_qualified_name": asset,
		},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return &core.Node{ID: "extract", OperatorType: core.OperatorExtract, Config: cfg}
}

func TestExecutor_ExtractFullLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank, blobs := testSetup(t)
	bank.Seed("orders", []core.Row{
		{"id": 1, "amount": 10},
		{"id": 2, "amount": 20},
	})

	e := New("p1", blobs, watermark.NewMemoryStore())
	var progressed int
	result, err := e.ExecuteNode(ctx, "r1", sourceNode("orders", nil), nil,
		func(core.StepCounters) { progressed++ })
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Counters.RecordsOut)
	assert.Equal(t, 2, core.TotalRows(result.Chunks))
	assert.NotEmpty(t, result.Samples["out"])
	assert.Positive(t, progressed)
}

func TestExecutor_ExtractIncrementalAdvancesWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank, blobs := testSetup(t)
	bank.Seed("orders", []core.Row{
		{"id": 1}, {"id": 2}, {"id": 3},
	})

	marks := watermark.NewMemoryStore()
	e := New("p1", blobs, marks)
	node := sourceNode("orders", map[string]any{"watermark_column": "id"})
	node.SyncMode = core.SyncIncremental

	// First run reads everything and records max id.
	result, err := e.ExecuteNode(ctx, "r1", node, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Counters.RecordsOut)

	mark, err := marks.Get(ctx, "p1", "asset-src")
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.Equal(t, float64(3), mark.LastValue)

	// Second run with new rows only picks up rows past the watermark.
	bank.Seed("orders", []core.Row{
		{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}, {"id": 5},
	})
	result, err = e.ExecuteNode(ctx, "r2", node, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Counters.RecordsOut)

	mark, err = marks.Get(ctx, "p1", "asset-src")
	require.NoError(t, err)
	assert.Equal(t, float64(5), mark.LastValue)

	// Third run with no new rows emits nothing and keeps the watermark.
	result, err = e.ExecuteNode(ctx, "r3", node, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Counters.RecordsOut)
	mark, err = marks.Get(ctx, "p1", "asset-src")
	require.NoError(t, err)
	assert.Equal(t, float64(5), mark.LastValue)
}

func TestExecutor_LoadWritesDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank, blobs := testSetup(t)

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "load", OperatorType: core.OperatorLoad,
		WriteStrategy: core.WriteAppend,
		Config: map[string]any{
			"destination_asset": map[string]any{
				"id": "asset-dst", "connection_id": "conn-1",
				"fully_qualified_name": "warehouse.orders",
			},
		},
	}
	inputs := map[string][]*core.Chunk{
		"extract": {core.NewChunk([]core.Row{{"id": 1}, {"id": 2}})},
	}

	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Counters.RecordsIn)
	assert.Equal(t, int64(2), result.Counters.RecordsOut)
	assert.Len(t, bank.Rows("warehouse.orders"), 2)
}

func TestExecutor_LoadSchemaStrictFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank, blobs := testSetup(t)
	bank.SetSchema("dst", map[string]core.ColumnType{"id": core.ColumnInteger})

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "load", OperatorType: core.OperatorLoad,
		SchemaEvolution: core.SchemaStrict,
		Config: map[string]any{
			"destination_asset": map[string]any{
				"id": "asset-dst", "connection_id": "conn-1",
				"fully_qualified_name": "dst",
			},
		},
	}
	inputs := map[string][]*core.Chunk{
		"up": {core.NewChunk([]core.Row{{"id": 1, "surprise": "x"}})},
	}

	_, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrSchemaEvolution, core.KindOf(err))
	assert.False(t, core.IsRetryable(err))
}

func TestExecutor_LoadSchemaIgnoreDropsColumns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank, blobs := testSetup(t)
	bank.SetSchema("dst", map[string]core.ColumnType{"id": core.ColumnInteger})

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "load", OperatorType: core.OperatorLoad,
		SchemaEvolution: core.SchemaIgnore,
		Config: map[string]any{
			"destination_asset": map[string]any{
				"id": "asset-dst", "connection_id": "conn-1",
				"fully_qualified_name": "dst",
			},
		},
	}
	inputs := map[string][]*core.Chunk{
		"up": {core.NewChunk([]core.Row{{"id": 1, "surprise": "x"}})},
	}

	_, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	rows := bank.Rows("dst")
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0], "surprise")
}

func TestExecutor_TransformWithContractQuarantine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank, blobs := testSetup(t)

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "validate", OperatorType: core.OperatorValidate,
		OperatorClass:     operator.ClassPassthrough,
		QuarantineAssetID: "asset-q",
		DataContract: &core.DataContract{Columns: []core.ColumnRule{
			{Column: "age", Required: true, Type: core.ColumnInteger},
		}},
		Config: map[string]any{
			"quarantine_asset": map[string]any{
				"id": "asset-q", "connection_id": "conn-1",
				"fully_qualified_name": "quarantine",
			},
		},
	}
	inputs := map[string][]*core.Chunk{
		"up": {core.NewChunk([]core.Row{
			{"age": 30},
			{"age": "bad"},
			{"name": "missing"},
		})},
	}

	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Counters.RecordsIn)
	assert.Equal(t, int64(1), result.Counters.RecordsOut)
	assert.Equal(t, int64(2), result.Counters.RecordsError)
	assert.NotEmpty(t, result.Samples["quarantine"])

	quarantined := bank.Rows("quarantine")
	require.Len(t, quarantined, 2)
	assert.Contains(t, quarantined[0], core.QuarantineReasonField)
}

func TestExecutor_TransformFilterCountsFiltered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, blobs := testSetup(t)

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "filter", OperatorType: core.OperatorTransform,
		OperatorClass: operator.ClassFilter,
		Config:        map[string]any{"column": "amount", "op": ">", "value": 10},
	}
	inputs := map[string][]*core.Chunk{
		"up": {core.NewChunk([]core.Row{{"amount": 5}, {"amount": 15}, {"amount": 25}})},
	}

	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Counters.RecordsIn)
	assert.Equal(t, int64(2), result.Counters.RecordsOut)
	assert.Equal(t, int64(1), result.Counters.RecordsFiltered)
}

func TestExecutor_Union(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, blobs := testSetup(t)

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{ID: "union", OperatorType: core.OperatorUnion}
	inputs := map[string][]*core.Chunk{
		"b": {core.NewChunk([]core.Row{{"id": 2}})},
		"a": {core.NewChunk([]core.Row{{"id": 1}})},
	}

	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	// Inputs concatenate in upstream-id order.
	assert.Equal(t, 1, result.Chunks[0].Rows[0]["id"])
	assert.Equal(t, 2, result.Chunks[0].Rows[1]["id"])
}

func TestExecutor_Join(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, blobs := testSetup(t)

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "join", OperatorType: core.OperatorJoin,
		Config: map[string]any{"join_key": "id"},
	}
	inputs := map[string][]*core.Chunk{
		"left":  {core.NewChunk([]core.Row{{"id": 1, "name": "ann"}, {"id": 2, "name": "bob"}})},
		"right": {core.NewChunk([]core.Row{{"id": 1, "city": "oslo"}})},
	}

	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	require.Len(t, result.Chunks[0].Rows, 1)
	row := result.Chunks[0].Rows[0]
	assert.Equal(t, "ann", row["name"])
	assert.Equal(t, "oslo", row["city"])
}

func TestExecutor_Merge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, blobs := testSetup(t)

	e := New("p1", blobs, watermark.NewMemoryStore())
	node := &core.Node{
		ID: "merge", OperatorType: core.OperatorMerge,
		Config: map[string]any{"merge_key": "id"},
	}
	inputs := map[string][]*core.Chunk{
		"a": {core.NewChunk([]core.Row{{"id": 1, "v": "old"}})},
		"b": {core.NewChunk([]core.Row{{"id": 1, "v": "new"}, {"id": 2, "v": "x"}})},
	}

	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	require.Len(t, result.Chunks[0].Rows, 2)
	assert.Equal(t, "new", result.Chunks[0].Rows[0]["v"], "later input wins on key collision")
}

type readyEnvs struct{}

func (readyEnvs) Ready(string) error { return nil }

func TestExecutor_RuntimeEnvPreflight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, blobs := testSetup(t)

	node := &core.Node{
		ID: "clean", OperatorType: core.OperatorTransform,
		OperatorClass: operator.ClassPassthrough,
		Config:        map[string]any{"runtime_env": "analytics"},
	}
	inputs := map[string][]*core.Chunk{
		"up": {core.NewChunk([]core.Row{{"id": 1}})},
	}

	// No runtime environments are configured, so the node must not start.
	e := New("p1", blobs, watermark.NewMemoryStore())
	_, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrConfiguration, core.KindOf(err))

	// With the environment ready the node runs normally.
	e = New("p1", blobs, watermark.NewMemoryStore(), WithRuntimeEnvs(readyEnvs{}))
	result, err := e.ExecuteNode(ctx, "r1", node, inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Counters.RecordsOut)
}

func TestExecutor_UnresolvedConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := New("p1", map[string]core.ConnectionBlob{}, watermark.NewMemoryStore())
	_, err := e.ExecuteNode(ctx, "r1", sourceNode("orders", nil), nil, nil)
	require.Error(t, err)
	assert.Equal(t, core.ErrConfiguration, core.KindOf(err))
}

func TestForensics_CaptureWritesRunDir(t *testing.T) {
	t.Parallel()
	f := NewForensics(t.TempDir())
	f.Capture("r1", "node-a", "out", core.NewChunk([]core.Row{{"id": 1}}))
	f.Capture("r1", "node-a", "out", core.NewChunk([]core.Row{{"id": 2}}))

	entries, err := os.ReadDir(f.RunDir("r1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "node-a_out.jsonl.lz4", entries[0].Name())
}
