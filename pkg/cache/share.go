package cache

import "reflect"

// ReplaceEqualDeep returns next, reusing prev and any of its maps and slices
// that are structurally equal to their counterpart in next. It walks the
// generic JSON shapes map[string]any and []any; other values are kept from
// prev only when deeply equal.
func ReplaceEqualDeep(prev, next any) any {
	switch n := next.(type) {
	case map[string]any:
		p, ok := prev.(map[string]any)
		if !ok {
			return next
		}
		out := make(map[string]any, len(n))
		equal := len(p) == len(n)
		for k, nv := range n {
			pv, found := p[k]
			if !found {
				out[k] = nv
				equal = false
				continue
			}
			v := ReplaceEqualDeep(pv, nv)
			out[k] = v
			if !identical(v, pv) {
				equal = false
			}
		}
		if equal {
			return p
		}
		return out
	case []any:
		p, ok := prev.([]any)
		if !ok {
			return next
		}
		out := make([]any, len(n))
		equal := len(p) == len(n)
		for i, nv := range n {
			if i >= len(p) {
				out[i] = nv
				equal = false
				continue
			}
			v := ReplaceEqualDeep(p[i], nv)
			out[i] = v
			if !identical(v, p[i]) {
				equal = false
			}
		}
		if equal {
			return p
		}
		return out
	}
	if reflect.DeepEqual(prev, next) {
		return prev
	}
	return next
}

// identical reports whether a and b are the same value: the same backing
// map or slice, or deeply equal leaves.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	switch ta.Kind() {
	case reflect.Map, reflect.Slice:
		va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	return reflect.DeepEqual(a, b)
}
