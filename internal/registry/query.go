package registry

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// matches reports whether doc satisfies every field of query. Leaf values
// are either literals (implicit $eq) or operator records of the form
// {"$eq":..., "$ne":..., "$gt":..., "$gte":..., "$lt":..., "$lte":...,
// "$in":[...], "$regex":"..."}. Field names may use dot notation to reach
// nested maps.
func matches(doc any, query map[string]any) bool {
	for field, want := range query {
		got, ok := fieldValue(doc, field)
		if !matchesValue(got, ok, want) {
			return false
		}
	}
	return true
}

func matchesValue(got any, gotOK bool, want any) bool {
	if ops, ok := asOperatorDoc(want); ok {
		for op, arg := range ops {
			if !evalOperator(op, got, gotOK, arg) {
				return false
			}
		}
		return true
	}
	return gotOK && compareEqual(got, want)
}

// asOperatorDoc returns (map, true) if every key in m starts with "$".
func asOperatorDoc(want any) (map[string]any, bool) {
	m, ok := want.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func evalOperator(op string, got any, gotOK bool, arg any) bool {
	switch op {
	case "$eq":
		return gotOK && compareEqual(got, arg)
	case "$ne":
		return !gotOK || !compareEqual(got, arg)
	case "$gt":
		c, ok := compareNumeric(got, arg)
		return gotOK && ok && c > 0
	case "$gte":
		c, ok := compareNumeric(got, arg)
		return gotOK && ok && c >= 0
	case "$lt":
		c, ok := compareNumeric(got, arg)
		return gotOK && ok && c < 0
	case "$lte":
		c, ok := compareNumeric(got, arg)
		return gotOK && ok && c <= 0
	case "$in":
		list, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if gotOK && compareEqual(got, v) {
				return true
			}
		}
		return false
	case "$regex":
		pattern, ok := arg.(string)
		if !ok || !gotOK {
			return false
		}
		s, ok := got.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		// Unknown operators fail the match rather than silently passing.
		return false
	}
}

// fieldValue resolves dot-notated field paths against a document, which may
// be a map[string]any or a JSON-decoded struct-shaped value.
func fieldValue(doc any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareNumeric(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func ensureMap(value any) (map[string]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("registry: value is not a searchable document (%T)", value)
	}
	return m, nil
}
