package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

func apply(t *testing.T, node *core.Node, rows []core.Row) *core.Chunk {
	t.Helper()
	op, err := New(node)
	require.NoError(t, err)
	out, err := op.Apply(context.Background(), core.NewChunk(rows))
	require.NoError(t, err)
	return out
}

func TestNew_UnknownClass(t *testing.T) {
	t.Parallel()
	_, err := New(&core.Node{ID: "n1", OperatorClass: "levitate"})
	require.Error(t, err)
	assert.Equal(t, core.ErrConfiguration, core.KindOf(err))
}

func TestPassthrough_DefaultClass(t *testing.T) {
	t.Parallel()
	rows := []core.Row{{"a": 1}}
	out := apply(t, &core.Node{ID: "n1"}, rows)
	assert.Equal(t, rows, out.Rows)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	node := &core.Node{ID: "n1", OperatorClass: ClassFilter, Config: map[string]any{
		"column": "amount", "op": ">", "value": 10,
	}}
	out := apply(t, node, []core.Row{
		{"amount": 5},
		{"amount": 15},
		{"amount": nil},
		{"other": 1},
	})
	require.Len(t, out.Rows, 1)
	assert.Equal(t, 15, out.Rows[0]["amount"])

	t.Run("MissingColumnRejected", func(t *testing.T) {
		t.Parallel()
		_, err := New(&core.Node{ID: "n1", OperatorClass: ClassFilter, Config: map[string]any{}})
		require.Error(t, err)
	})

	t.Run("BadOpRejected", func(t *testing.T) {
		t.Parallel()
		_, err := New(&core.Node{ID: "n1", OperatorClass: ClassFilter, Config: map[string]any{
			"column": "a", "op": "~",
		}})
		require.Error(t, err)
	})
}

func TestProject(t *testing.T) {
	t.Parallel()
	node := &core.Node{ID: "n1", OperatorClass: ClassProject, Config: map[string]any{
		"columns": []string{"id", "name"},
	}}
	out := apply(t, node, []core.Row{
		{"id": 1, "name": "ann", "secret": "x"},
	})
	require.Len(t, out.Rows, 1)
	assert.Equal(t, core.Row{"id": 1, "name": "ann"}, out.Rows[0])
}

func TestRename_FromColumnMapping(t *testing.T) {
	t.Parallel()
	node := &core.Node{ID: "n1", OperatorClass: ClassRename,
		ColumnMapping: map[string]string{"usr": "user"}}
	out := apply(t, node, []core.Row{{"usr": "ann", "id": 1}})
	require.Len(t, out.Rows, 1)
	assert.Equal(t, core.Row{"user": "ann", "id": 1}, out.Rows[0])
}

func TestMask(t *testing.T) {
	t.Parallel()
	node := &core.Node{ID: "n1", OperatorClass: ClassMask, Config: map[string]any{
		"columns": []string{"email"},
	}}
	out := apply(t, node, []core.Row{{"email": "ann@example.com", "id": 1}})
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "an*************", out.Rows[0]["email"])
	assert.Equal(t, 1, out.Rows[0]["id"])
}
