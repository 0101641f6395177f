// Package eval is the deliberately small expression evaluator for edge
// conditions and dynamic mapping expressions. It accepts exactly three
// forms: a JSON literal list, `inputs['node'].count <cmp> <number>`, and
// `inputs['node'].rows`. Everything else is an evaluation error; there is no
// general interpreter here on purpose.
package eval

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Source resolves references to upstream node outputs.
type Source interface {
	// InputCount returns the total row count of an upstream node's output.
	InputCount(nodeID string) (int64, error)
	// InputRows returns the rows of an upstream node's output.
	InputRows(nodeID string) ([]core.Row, error)
}

var (
	countExpr = regexp.MustCompile(
		`^\s*inputs\[\s*['"]([^'"]+)['"]\s*\]\.count\s*(==|!=|>=|<=|>|<)\s*(-?\d+(?:\.\d+)?)\s*$`)
	rowsExpr = regexp.MustCompile(
		`^\s*inputs\[\s*['"]([^'"]+)['"]\s*\]\.rows\s*$`)
)

// Condition evaluates an edge condition expression. The empty expression is
// vacuously true. Only the count-comparison form is a valid condition.
func Condition(expr string, src Source) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	m := countExpr.FindStringSubmatch(expr)
	if m == nil {
		return false, core.NewError(core.ErrValidation,
			"unsupported condition expression %q", expr)
	}
	count, err := src.InputCount(m[1])
	if err != nil {
		return false, err
	}
	threshold, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return false, core.NewError(core.ErrValidation,
			"invalid literal in condition %q", expr)
	}
	return compare(float64(count), m[2], threshold), nil
}

func compare(a float64, op string, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	default:
		return false
	}
}

// List evaluates a dynamic mapping expression into a list of items: either a
// JSON literal list or the row sequence of an upstream node.
func List(expr string, src Source) ([]any, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, core.NewError(core.ErrValidation, "empty mapping expression")
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []any
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, core.WrapError(core.ErrValidation, err,
				"invalid literal list %q", expr)
		}
		return items, nil
	}

	if m := rowsExpr.FindStringSubmatch(trimmed); m != nil {
		rows, err := src.InputRows(m[1])
		if err != nil {
			return nil, err
		}
		items := make([]any, len(rows))
		for i, row := range rows {
			items[i] = row
		}
		return items, nil
	}

	return nil, core.NewError(core.ErrValidation,
		"unsupported mapping expression %q", expr)
}
