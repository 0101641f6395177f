package watermark

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Normalize converts a watermark candidate into its canonical serialized
// form: numerics become float64, datetimes become UTC ISO-8601 strings, and
// everything else must already be a string. Non-scalar values are rejected.
func Normalize(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, core.NewError(core.ErrValidation, "watermark value must not be nil")
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, core.WrapError(core.ErrValidation, err, "invalid numeric watermark %q", v)
		}
		return f, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	case string:
		if t, ok := parseTime(v); ok {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
		return v, nil
	default:
		return nil, core.NewError(core.ErrValidation,
			"watermark value must be a scalar, got %T", value)
	}
}

// Compare orders two normalized watermark values: numerically when both are
// numbers, chronologically when both parse as datetimes, lexicographically
// otherwise. Mixed numeric/string pairs are a validation error.
func Compare(a, b any) (int, error) {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	switch {
	case aNum && bNum:
		return compareFloat(af, bf), nil
	case aNum != bNum:
		return 0, core.NewError(core.ErrValidation,
			"cannot compare watermark values of types %T and %T", a, b)
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, core.NewError(core.ErrValidation,
			"cannot compare watermark values of types %T and %T", a, b)
	}

	at, aTime := parseTime(as)
	bt, bTime := parseTime(bs)
	if aTime && bTime {
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}

	return strings.Compare(as, bs), nil
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts common datetime serializations, normalizing zone-less
// layouts to UTC.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
