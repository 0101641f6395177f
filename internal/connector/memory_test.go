package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

func memConn(t *testing.T, bank string) Connector {
	t.Helper()
	conn, err := New(&core.ConnectionBlob{
		ID: "c1", Type: TypeMemory, Config: map[string]any{"bank": bank},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	return conn
}

func TestRegistry_UnknownType(t *testing.T) {
	t.Parallel()
	_, err := New(&core.ConnectionBlob{ID: "x", Type: "teleport"})
	require.Error(t, err)
	assert.Equal(t, core.ErrConfiguration, core.KindOf(err))
}

func TestMemoryConnector_ReadBatchWatermarkFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank := BankFor(t.Name())
	bank.Seed("orders", []core.Row{
		{"id": 1, "amount": 10},
		{"id": 2, "amount": 20},
		{"id": 3, "amount": 30},
	})

	conn := memConn(t, t.Name())
	asset := &core.Asset{FullyQualifiedName: "orders"}

	stream, err := conn.ReadBatch(ctx, asset, ReadParams{WatermarkColumn: "id", WatermarkValue: 1})
	require.NoError(t, err)
	chunks, err := Drain(ctx, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].RowCount(), "rows at or below the watermark are filtered")

	stream, err = conn.ReadBatch(ctx, asset, ReadParams{})
	require.NoError(t, err)
	chunks, err = Drain(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 3, core.TotalRows(chunks))
}

func TestMemoryConnector_WriteStrategies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank := BankFor(t.Name())
	conn := memConn(t, t.Name())
	asset := &core.Asset{
		FullyQualifiedName: "users",
		Config:             map[string]any{"primary_key": "id"},
	}

	write := func(strategy core.WriteStrategy, rows []core.Row) int64 {
		n, err := conn.WriteBatch(ctx, asset, strategy,
			NewSliceStream([]*core.Chunk{core.NewChunk(rows)}))
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, int64(2), write(core.WriteAppend, []core.Row{
		{"id": 1, "name": "ann"},
		{"id": 2, "name": "bob"},
	}))
	assert.Len(t, bank.Rows("users"), 2)

	assert.Equal(t, int64(2), write(core.WriteUpsert, []core.Row{
		{"id": 2, "name": "bobby"},
		{"id": 3, "name": "cyn"},
	}))
	rows := bank.Rows("users")
	require.Len(t, rows, 3)
	assert.Equal(t, "bobby", rows[1]["name"])

	assert.Equal(t, int64(1), write(core.WriteOverwrite, []core.Row{
		{"id": 9, "name": "zed"},
	}))
	assert.Len(t, bank.Rows("users"), 1)
}

func TestMemoryConnector_SchemaEvolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bank := BankFor(t.Name())
	bank.SetSchema("t", map[string]core.ColumnType{"id": core.ColumnInteger})

	conn := memConn(t, t.Name())
	asset := &core.Asset{FullyQualifiedName: "t"}

	schema, err := conn.InferSchema(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, map[string]core.ColumnType{"id": core.ColumnInteger}, schema)

	evolver, ok := conn.(SchemaEvolver)
	require.True(t, ok)
	require.NoError(t, evolver.AddColumns(ctx, asset, map[string]core.ColumnType{"email": core.ColumnString}))

	schema, err = conn.InferSchema(ctx, asset)
	require.NoError(t, err)
	assert.Contains(t, schema, "email")
}
