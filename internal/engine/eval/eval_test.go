package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

type fakeSource struct {
	counts map[string]int64
	rows   map[string][]core.Row
}

func (f *fakeSource) InputCount(nodeID string) (int64, error) {
	if n, ok := f.counts[nodeID]; ok {
		return n, nil
	}
	return 0, core.NewError(core.ErrValidation, "unknown input %q", nodeID)
}

func (f *fakeSource) InputRows(nodeID string) ([]core.Row, error) {
	if r, ok := f.rows[nodeID]; ok {
		return r, nil
	}
	return nil, core.NewError(core.ErrValidation, "unknown input %q", nodeID)
}

func TestCondition(t *testing.T) {
	t.Parallel()
	src := &fakeSource{counts: map[string]int64{"A": 3}}

	tests := []struct {
		name    string
		expr    string
		want    bool
		wantErr bool
	}{
		{name: "Empty", expr: "", want: true},
		{name: "GreaterTrue", expr: "inputs['A'].count > 2", want: true},
		{name: "GreaterFalse", expr: "inputs['A'].count > 5", want: false},
		{name: "Equal", expr: "inputs['A'].count == 3", want: true},
		{name: "NotEqual", expr: "inputs['A'].count != 3", want: false},
		{name: "LessOrEqual", expr: "inputs['A'].count <= 3", want: true},
		{name: "DoubleQuotes", expr: `inputs["A"].count >= 1`, want: true},
		{name: "UnknownInput", expr: "inputs['Z'].count > 0", wantErr: true},
		{name: "ArbitraryCode", expr: "__import__('os')", wantErr: true},
		{name: "RowsNotACondition", expr: "inputs['A'].rows", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Condition(tc.expr, src)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: map[string][]core.Row{
		"A": {{"region": "eu"}, {"region": "us"}},
	}}

	t.Run("LiteralList", func(t *testing.T) {
		t.Parallel()
		items, err := List(`["eu", "us", "apac"]`, src)
		require.NoError(t, err)
		assert.Equal(t, []any{"eu", "us", "apac"}, items)
	})

	t.Run("InputRows", func(t *testing.T) {
		t.Parallel()
		items, err := List("inputs['A'].rows", src)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, core.Row{"region": "eu"}, items[0])
	})

	t.Run("BadLiteral", func(t *testing.T) {
		t.Parallel()
		_, err := List("[1, 2,", src)
		require.Error(t, err)
		assert.Equal(t, core.ErrValidation, core.KindOf(err))
	})

	t.Run("UnsupportedExpression", func(t *testing.T) {
		t.Parallel()
		_, err := List("range(10)", src)
		require.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		_, err := List("  ", src)
		require.Error(t, err)
	})
}
