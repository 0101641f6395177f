package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

func floatPtr(f float64) *float64 { return &f }

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	t.Run("SplitsValidAndQuarantined", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{
				{Column: "age", Required: true, Type: core.ColumnInteger, Min: floatPtr(0)},
			},
		})
		require.NoError(t, err)

		valid, quarantined := v.Validate(&core.Chunk{Rows: []core.Row{
			{"age": 34},
			{"age": -1},
			{"age": "bad"},
			{"name": "no-age"},
		}})

		require.Len(t, valid.Rows, 1)
		assert.Equal(t, 34, valid.Rows[0]["age"])

		require.Len(t, quarantined.Rows, 3)
		assert.Equal(t, "age_rule", quarantined.Rows[0][core.QuarantineReasonField])
		assert.Equal(t, "age_rule", quarantined.Rows[1][core.QuarantineReasonField])
		assert.Equal(t, "age_missing", quarantined.Rows[2][core.QuarantineReasonField])
	})

	t.Run("InputRowsNotMutated", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{{Column: "id", Required: true}},
		})
		require.NoError(t, err)

		row := core.Row{"name": "x"}
		_, quarantined := v.Validate(&core.Chunk{Rows: []core.Row{row}})

		require.Len(t, quarantined.Rows, 1)
		assert.NotContains(t, row, core.QuarantineReasonField)
		assert.Contains(t, quarantined.Rows[0], core.QuarantineReasonField)
	})

	t.Run("EmptyChunk", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{{Column: "id", Required: true}},
		})
		require.NoError(t, err)

		valid, quarantined := v.Validate(&core.Chunk{})
		assert.Empty(t, valid.Rows)
		assert.Empty(t, quarantined.Rows)
	})

	t.Run("MultipleFailedRulesJoined", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{
				{Column: "age", Required: true, Type: core.ColumnInteger},
				{Column: "email", Required: true, Pattern: `@`},
			},
		})
		require.NoError(t, err)

		_, quarantined := v.Validate(&core.Chunk{Rows: []core.Row{
			{"age": "x", "email": "nope"},
		}})
		require.Len(t, quarantined.Rows, 1)
		assert.Equal(t, "age_rule,email_rule", quarantined.Rows[0][core.QuarantineReasonField])
	})

	t.Run("CoercibleStringsPass", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{
				{Column: "count", Type: core.ColumnInteger},
				{Column: "ratio", Type: core.ColumnFloat},
				{Column: "active", Type: core.ColumnBoolean},
				{Column: "seen", Type: core.ColumnDatetime},
			},
		})
		require.NoError(t, err)

		valid, quarantined := v.Validate(&core.Chunk{Rows: []core.Row{
			{"count": "42", "ratio": "3.14", "active": "true", "seen": "2026-01-02"},
		}})
		assert.Len(t, valid.Rows, 1)
		assert.Empty(t, quarantined.Rows)
	})

	t.Run("AllowedValuesSet", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{
				{Column: "status", Values: []any{"active", "inactive"}},
			},
		})
		require.NoError(t, err)

		valid, quarantined := v.Validate(&core.Chunk{Rows: []core.Row{
			{"status": "active"},
			{"status": "deleted"},
		}})
		assert.Len(t, valid.Rows, 1)
		assert.Len(t, quarantined.Rows, 1)
	})

	t.Run("NullOptionalColumnPasses", func(t *testing.T) {
		t.Parallel()
		v, err := NewValidator(&core.DataContract{
			Columns: []core.ColumnRule{{Column: "nickname", Type: core.ColumnString}},
		})
		require.NoError(t, err)

		valid, quarantined := v.Validate(&core.Chunk{Rows: []core.Row{
			{"nickname": nil},
		}})
		assert.Len(t, valid.Rows, 1)
		assert.Empty(t, quarantined.Rows)
	})
}

func TestNewValidator_BadPattern(t *testing.T) {
	t.Parallel()
	_, err := NewValidator(&core.DataContract{
		Columns: []core.ColumnRule{{Column: "email", Pattern: `([`}},
	})
	require.Error(t, err)
	assert.Equal(t, core.ErrConfiguration, core.KindOf(err))
}
