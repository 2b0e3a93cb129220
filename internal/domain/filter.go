package domain

import (
	"reflect"
	"sort"
)

// Predicate is a single filter condition evaluated against event data.
// The concrete types are Equals and OneOf.
type Predicate interface {
	Key() string
	Match(data map[string]any) bool
}

// Equals matches when data[Key] equals Value. A missing key reads as nil.
type Equals struct {
	Field string
	Value any
}

func (p Equals) Key() string { return p.Field }

func (p Equals) Match(data map[string]any) bool {
	return valuesEqual(data[p.Field], p.Value)
}

// OneOf matches when data[Key] equals any of Values.
type OneOf struct {
	Field  string
	Values []any
}

func (p OneOf) Key() string { return p.Field }

func (p OneOf) Match(data map[string]any) bool {
	actual := data[p.Field]
	for _, v := range p.Values {
		if valuesEqual(actual, v) {
			return true
		}
	}
	return false
}

// CompileFilters turns a stored filter map into predicates. List values
// become OneOf, everything else Equals. Output is sorted by key.
func CompileFilters(filters map[string]any) []Predicate {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]Predicate, 0, len(keys))
	for _, k := range keys {
		if values, ok := asList(filters[k]); ok {
			preds = append(preds, OneOf{Field: k, Values: values})
			continue
		}
		preds = append(preds, Equals{Field: k, Value: filters[k]})
	}
	return preds
}

// MatchAll is the AND of preds. An empty list always matches.
func MatchAll(preds []Predicate, data map[string]any) bool {
	for _, p := range preds {
		if !p.Match(data) {
			return false
		}
	}
	return true
}

func asList(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// valuesEqual compares numbers by value so that an int filter matches a
// float64 decoded from JSON. Booleans count as 1 and 0, so true matches 1.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
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
