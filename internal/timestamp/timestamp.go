// Package timestamp converts the timestamp shapes produced by the document store
// into the ISO-8601 instant strings written to published archives.
package timestamp

import (
	"encoding/json"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Layout is the canonical instant format: UTC, millisecond precision, "Z" suffix.
const Layout = "2006-01-02T15:04:05.000Z"

// Format renders t in the canonical instant format.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Normalize walks v and replaces every timestamp it recognizes with its canonical
// string form. Maps and slices are copied, never modified in place. Values that are
// not timestamps, including shapes Normalize cannot classify, are returned as is.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return Format(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return Format(*val)
	case *timestamppb.Timestamp:
		if val == nil {
			return nil
		}
		return Format(val.AsTime())
	case map[string]any:
		if t, ok := fromPair(val); ok {
			return Format(t)
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Normalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Normalize(elem)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Normalize(elem)
		}
		return out
	default:
		return v
	}
}

// fromPair recognizes {seconds, nanoseconds} and {_seconds, _nanoseconds}.
// The map must hold exactly those two numeric keys.
func fromPair(m map[string]any) (time.Time, bool) {
	if len(m) != 2 {
		return time.Time{}, false
	}
	for _, keys := range [][2]string{{"seconds", "nanoseconds"}, {"_seconds", "_nanoseconds"}} {
		rawSec, ok1 := m[keys[0]]
		rawNano, ok2 := m[keys[1]]
		if !ok1 || !ok2 {
			continue
		}
		sec, ok1 := toInt64(rawSec)
		nano, ok2 := toInt64(rawNano)
		if !ok1 || !ok2 || nano < 0 || nano >= int64(time.Second) {
			return time.Time{}, false
		}
		return time.Unix(sec, nano), true
	}
	return time.Time{}, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
