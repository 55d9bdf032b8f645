package tasks

import (
	"fmt"
	"reflect"
	"time"
)

// serializeArgs renders call arguments into a JSON-safe representation for
// later inspection and rerun display. Dispatch is a closed set of variant
// cases: primitives pass through, time values render as RFC 3339, containers
// recurse, and anything else falls back to a readable textual form. It never
// fails.
func serializeArgs(args []any) []any {
	if len(args) == 0 {
		return []any{}
	}
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = serializeValue(arg)
	}
	return out
}

func serializeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = serializeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = serializeValue(iter.Value().Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return serializeValue(rv.Elem().Interface())
	default:
		// Opaque value: render it, don't fail on it.
		return fmt.Sprintf("%+v", v)
	}
}
