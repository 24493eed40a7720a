// Package docmerge merges partial updates into JSON-like document trees.
//
// A document tree is built from map[string]any (objects), slices (arrays)
// and scalars, which is what encoding/json and yaml.v3 produce. A key that is
// missing from a patch means "no change"; a key holding nil is an explicit
// null and overwrites.
package docmerge

import (
	"reflect"
	"strings"
)

// Merge returns base with patch applied. Objects merge recursively, arrays
// and scalars replace. Neither argument is modified. Sub-trees of base that
// the patch does not touch are shared with the result.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		switch p := pv.(type) {
		case map[string]any:
			if b, ok := out[k].(map[string]any); ok {
				out[k] = Merge(b, p)
			} else {
				out[k] = Clone(p)
			}
		default:
			if isSlice(pv) {
				out[k] = copySlice(pv)
				continue
			}
			out[k] = pv
		}
	}
	return out
}

// Clone deep-copies a document tree. Nested maps and slices are copied;
// scalars are shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a single tree value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		if isSlice(v) {
			return copySlice(v)
		}
		return v
	}
}

// IsObject reports whether v is a plain object node.
func IsObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// IsList reports whether v is an array node.
func IsList(v any) bool {
	return isSlice(v)
}

// Get walks a dotted path ("a.b.c") through nested objects.
func Get(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set returns a copy of m with value stored at the dotted path. Objects along
// the path are copied; missing or non-object intermediates become objects.
// An object value is merged into the existing one, like any other patch.
func Set(m map[string]any, path string, value any) map[string]any {
	return Merge(m, Patch(path, value))
}

// Patch builds the nested patch object that sets a dotted path to value.
func Patch(path string, value any) map[string]any {
	segs := strings.Split(path, ".")
	out := map[string]any{segs[len(segs)-1]: value}
	for i := len(segs) - 2; i >= 0; i-- {
		out = map[string]any{segs[i]: out}
	}
	return out
}

func isSlice(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// copySlice makes a shallow copy of any slice type. Elements are shared.
func copySlice(v any) any {
	if s, ok := v.([]any); ok {
		out := make([]any, len(s))
		copy(out, s)
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array {
		out := reflect.New(rv.Type()).Elem()
		reflect.Copy(out, rv)
		return out.Interface()
	}
	if rv.IsNil() {
		return v
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(out, rv)
	return out.Interface()
}
