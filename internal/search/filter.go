package search

import (
	"reflect"
	"strings"
)

// MatchesFilter reports whether metadata satisfies every condition in
// filter. An empty filter matches everything; a missing field never
// matches. Keys may use dot paths to reach into nested maps; a key
// that exists literally (dots included) wins over path traversal.
//
// Values compare by shallow equality. When the stored value is a list
// a scalar condition matches by membership; when both sides are lists
// they match on non-empty intersection. Numbers compare across types,
// so a filter written with an int matches metadata decoded from JSON
// as float64.
func MatchesFilter(metadata map[string]any, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if metadata == nil {
		return false
	}
	for key, want := range filter {
		got, ok := lookupPath(metadata, key)
		if !ok {
			return false
		}
		if !valueMatches(got, want) {
			return false
		}
	}
	return true
}

// lookupPath resolves a possibly dotted key against nested maps.
func lookupPath(metadata map[string]any, path string) (any, bool) {
	if v, ok := metadata[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	var current any = metadata
	for _, part := range strings.Split(path, ".") {
		m, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// valueMatches applies equality, membership, or intersection
// depending on which sides are lists.
func valueMatches(got, want any) bool {
	gotList, gotIsList := asList(got)
	wantList, wantIsList := asList(want)

	switch {
	case gotIsList && wantIsList:
		for _, w := range wantList {
			for _, g := range gotList {
				if valuesEqual(g, w) {
					return true
				}
			}
		}
		return false

	case gotIsList:
		for _, g := range gotList {
			if valuesEqual(g, want) {
				return true
			}
		}
		return false

	case wantIsList:
		for _, w := range wantList {
			if valuesEqual(got, w) {
				return true
			}
		}
		return false

	default:
		return valuesEqual(got, want)
	}
}

// valuesEqual compares two scalars, widening numerics first.
func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

// asStringMap converts nested map values, including named map types,
// to map[string]any.
func asStringMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// asList converts slice values of any element type to []any. Strings
// and byte slices stay scalars.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case string, []byte, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toFloat widens any numeric type to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
