package operator

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Built-in operator classes.
const (
	ClassPassthrough = "passthrough"
	ClassFilter      = "filter"
	ClassProject     = "project"
	ClassRename      = "rename"
	ClassMask        = "mask"
)

func init() {
	Register(ClassPassthrough, newPassthrough)
	Register(ClassFilter, newFilter)
	Register(ClassProject, newProject)
	Register(ClassRename, newRename)
	Register(ClassMask, newMask)
}

// decodeConfig fills target from the node's config map.
func decodeConfig(node *core.Node, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
	})
	if err != nil {
		return core.WrapError(core.ErrInternal, err, "config decoder setup failed")
	}
	if err := decoder.Decode(node.Config); err != nil {
		return core.WrapError(core.ErrConfiguration, err,
			"invalid config for node %s", node.ID)
	}
	return nil
}

type passthrough struct{}

func newPassthrough(*core.Node) (Operator, error) { return passthrough{}, nil }

func (passthrough) Apply(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	return chunk, nil
}

// filterOp keeps rows matching a single column comparison.
type filterOp struct {
	column string
	op     string
	value  any
}

func newFilter(node *core.Node) (Operator, error) {
	var cfg struct {
		Column string `json:"column"`
		Op     string `json:"op"`
		Value  any    `json:"value"`
	}
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Column == "" {
		return nil, core.NewError(core.ErrConfiguration,
			"filter on node %s requires a column", node.ID)
	}
	if cfg.Op == "" {
		cfg.Op = "=="
	}
	switch cfg.Op {
	case "==", "!=", ">", ">=", "<", "<=":
	default:
		return nil, core.NewError(core.ErrConfiguration,
			"filter on node %s has unknown op %q", node.ID, cfg.Op)
	}
	return &filterOp{column: cfg.Column, op: cfg.Op, value: cfg.Value}, nil
}

func (f *filterOp) Apply(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	out := &core.Chunk{}
	for _, row := range chunk.Rows {
		keep, err := matches(row[f.column], f.op, f.value)
		if err != nil {
			return nil, err
		}
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func matches(value any, op string, target any) (bool, error) {
	if value == nil {
		return false, nil
	}

	av, aNum := toFloat(value)
	bv, bNum := toFloat(target)
	if aNum && bNum {
		switch op {
		case "==":
			return av == bv, nil
		case "!=":
			return av != bv, nil
		case ">":
			return av > bv, nil
		case ">=":
			return av >= bv, nil
		case "<":
			return av < bv, nil
		case "<=":
			return av <= bv, nil
		}
	}

	as, bs := fmt.Sprintf("%v", value), fmt.Sprintf("%v", target)
	switch op {
	case "==":
		return as == bs, nil
	case "!=":
		return as != bs, nil
	case ">":
		return as > bs, nil
	case ">=":
		return as >= bs, nil
	case "<":
		return as < bs, nil
	case "<=":
		return as <= bs, nil
	}
	return false, core.NewError(core.ErrConfiguration, "unknown comparison %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// projectOp keeps only the configured columns.
type projectOp struct {
	columns map[string]bool
}

func newProject(node *core.Node) (Operator, error) {
	var cfg struct {
		Columns []string `json:"columns"`
	}
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Columns) == 0 {
		return nil, core.NewError(core.ErrConfiguration,
			"project on node %s requires columns", node.ID)
	}
	keep := make(map[string]bool, len(cfg.Columns))
	for _, c := range cfg.Columns {
		keep[c] = true
	}
	return &projectOp{columns: keep}, nil
}

func (p *projectOp) Apply(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	out := &core.Chunk{Rows: make([]core.Row, 0, len(chunk.Rows))}
	for _, row := range chunk.Rows {
		next := make(core.Row, len(p.columns))
		for col := range p.columns {
			if v, ok := row[col]; ok {
				next[col] = v
			}
		}
		out.Rows = append(out.Rows, next)
	}
	return out, nil
}

// renameOp renames columns from the node's column_mapping.
type renameOp struct {
	mapping map[string]string
}

func newRename(node *core.Node) (Operator, error) {
	mapping := node.ColumnMapping
	if len(mapping) == 0 {
		var cfg struct {
			Mapping map[string]string `json:"mapping"`
		}
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		mapping = cfg.Mapping
	}
	if len(mapping) == 0 {
		return nil, core.NewError(core.ErrConfiguration,
			"rename on node %s has no column mapping", node.ID)
	}
	return &renameOp{mapping: mapping}, nil
}

func (r *renameOp) Apply(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	out := &core.Chunk{Rows: make([]core.Row, 0, len(chunk.Rows))}
	for _, row := range chunk.Rows {
		next := make(core.Row, len(row))
		for col, v := range row {
			if to, ok := r.mapping[col]; ok {
				next[to] = v
			} else {
				next[col] = v
			}
		}
		out.Rows = append(out.Rows, next)
	}
	return out, nil
}

// maskOp redacts configured columns, keeping only a short prefix.
type maskOp struct {
	columns map[string]bool
}

func newMask(node *core.Node) (Operator, error) {
	var cfg struct {
		Columns []string `json:"columns"`
	}
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Columns) == 0 {
		return nil, core.NewError(core.ErrConfiguration,
			"mask on node %s requires columns", node.ID)
	}
	cols := make(map[string]bool, len(cfg.Columns))
	for _, c := range cfg.Columns {
		cols[c] = true
	}
	return &maskOp{columns: cols}, nil
}

func (m *maskOp) Apply(_ context.Context, chunk *core.Chunk) (*core.Chunk, error) {
	out := &core.Chunk{Rows: make([]core.Row, 0, len(chunk.Rows))}
	for _, row := range chunk.Rows {
		next := make(core.Row, len(row))
		for col, v := range row {
			if m.columns[col] {
				next[col] = maskValue(v)
			} else {
				next[col] = v
			}
		}
		out.Rows = append(out.Rows, next)
	}
	return out, nil
}

func maskValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}
