// Package contract validates chunks against a node's data contract, splitting
// each chunk into a valid stream and a quarantined stream.
package contract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Validator applies a compiled data contract to chunks.
type Validator struct {
	contract *core.DataContract
	patterns map[string]*regexp.Regexp
}

// NewValidator compiles the contract's regex patterns up front so that a bad
// pattern surfaces at build time rather than per row.
func NewValidator(contract *core.DataContract) (*Validator, error) {
	v := &Validator{
		contract: contract,
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, rule := range contract.Columns {
		if rule.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, core.WrapError(core.ErrConfiguration, err,
				"invalid pattern for column %q", rule.Column)
		}
		v.patterns[rule.Column] = re
	}
	return v, nil
}

// Validate splits a chunk by row: rows passing every rule land in the valid
// chunk; the rest are quarantined with a __quarantine_reason__ field naming
// every failed rule. Row order is preserved within each split.
func (v *Validator) Validate(chunk *core.Chunk) (*core.Chunk, *core.Chunk) {
	valid := &core.Chunk{}
	quarantined := &core.Chunk{}
	if chunk == nil || len(chunk.Rows) == 0 {
		return valid, quarantined
	}

	for _, row := range chunk.Rows {
		reasons := v.failedRules(row)
		if len(reasons) == 0 {
			valid.Rows = append(valid.Rows, row)
			continue
		}
		tagged := make(core.Row, len(row)+1)
		for k, val := range row {
			tagged[k] = val
		}
		tagged[core.QuarantineReasonField] = strings.Join(reasons, ",")
		quarantined.Rows = append(quarantined.Rows, tagged)
	}
	return valid, quarantined
}

// failedRules returns the identifiers of every rule the row violates.
func (v *Validator) failedRules(row core.Row) []string {
	var reasons []string
	for _, rule := range v.contract.Columns {
		value, present := row[rule.Column]
		if !present {
			if rule.Required {
				reasons = append(reasons, rule.Column+"_missing")
			}
			continue
		}
		if value == nil {
			if rule.Required {
				reasons = append(reasons, rule.Column+"_rule")
			}
			continue
		}
		if !v.checkValue(rule, value) {
			reasons = append(reasons, rule.Column+"_rule")
		}
	}
	return reasons
}

func (v *Validator) checkValue(rule core.ColumnRule, value any) bool {
	if rule.Type != "" && !coercible(rule.Type, value) {
		return false
	}
	if rule.Min != nil || rule.Max != nil {
		num, ok := asFloat(value)
		if !ok {
			return false
		}
		if rule.Min != nil && num < *rule.Min {
			return false
		}
		if rule.Max != nil && num > *rule.Max {
			return false
		}
	}
	if re, ok := v.patterns[rule.Column]; ok {
		if !re.MatchString(asString(value)) {
			return false
		}
	}
	if len(rule.Values) > 0 && !inSet(rule.Values, value) {
		return false
	}
	return true
}

// coercible tests whether the value can be coerced to the declared type,
// not merely whether it is an instance of it.
func coercible(t core.ColumnType, value any) bool {
	switch t {
	case core.ColumnInteger:
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case float32:
			return float64(v) == float64(int64(v))
		case string:
			_, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return err == nil
		case bool:
			return true
		default:
			return false
		}
	case core.ColumnFloat:
		switch v := value.(type) {
		case int, int32, int64, float32, float64:
			return true
		case string:
			_, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			return err == nil
		default:
			return false
		}
	case core.ColumnBoolean:
		switch v := value.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(strings.TrimSpace(v))
			return err == nil
		case int, int32, int64:
			n, _ := asFloat(v)
			return n == 0 || n == 1
		default:
			return false
		}
	case core.ColumnDatetime:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
				if _, err := time.Parse(layout, v); err == nil {
					return true
				}
			}
			return false
		default:
			return false
		}
	case core.ColumnString:
		// Any scalar coerces to string.
		switch value.(type) {
		case string, int, int32, int64, float32, float64, bool, time.Time:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func inSet(allowed []any, value any) bool {
	for _, a := range allowed {
		if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
