package query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Matcher evaluates a query's filter against items. A Matcher holding a
// script is not safe for concurrent use; call Close when done.
type Matcher struct {
	conditions []Condition
	script     *Script
}

// NewMatcher compiles q's filter.
func NewMatcher(q Query) (*Matcher, error) {
	m := &Matcher{conditions: q.Filter.Conditions}
	if q.Filter.Script != "" {
		s, err := CompileScript(q.Filter.Script)
		if err != nil {
			return nil, err
		}
		m.script = s
	}
	return m, nil
}

// Match reports whether item satisfies every condition and the script.
func (m *Matcher) Match(item Item) (bool, error) {
	for _, c := range m.conditions {
		if !c.Holds(item[c.Field]) {
			return false, nil
		}
	}
	if m.script != nil {
		return m.script.Match(item)
	}
	return true, nil
}

// Close releases the script state.
func (m *Matcher) Close() {
	if m.script != nil {
		m.script.Close()
		m.script = nil
	}
}

// Holds applies the condition to a field value.
func (c Condition) Holds(v any) bool {
	switch c.Op {
	case OpEq:
		return Compare(v, c.Value) == 0
	case OpNe:
		return Compare(v, c.Value) != 0
	case OpLt:
		return ordered(v, c.Value) && Compare(v, c.Value) < 0
	case OpLte:
		return ordered(v, c.Value) && Compare(v, c.Value) <= 0
	case OpGt:
		return ordered(v, c.Value) && Compare(v, c.Value) > 0
	case OpGte:
		return ordered(v, c.Value) && Compare(v, c.Value) >= 0
	case OpIn:
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if Compare(v, rv.Index(i).Interface()) == 0 {
				return true
			}
		}
		return false
	case OpContains:
		if s, ok := v.(string); ok {
			sub, ok := c.Value.(string)
			return ok && strings.Contains(s, sub)
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if Compare(rv.Index(i).Interface(), c.Value) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// ordered reports whether ordering v against w is meaningful.
func ordered(v, w any) bool {
	return rank(v) == rank(w) && rank(v) != rankOther
}

const (
	rankNil = iota
	rankBool
	rankNumber
	rankString
	rankOther
)

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNil
	case bool:
		return rankBool
	case string:
		return rankString
	}
	if _, ok := toFloat(v); ok {
		return rankNumber
	}
	return rankOther
}

// Compare orders two field values: nil < bool < number < string < other.
// Numbers compare numerically whatever their Go type, so values decoded
// from JSON (float64) equal values built in Go (int).
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankNil:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankNumber:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

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

// Comparator returns an ordering function for the sort fields, or nil when
// the query is unordered.
func Comparator(sort []SortField) func(a, b Item) int {
	if len(sort) == 0 {
		return nil
	}
	fields := append([]SortField(nil), sort...)
	return func(a, b Item) int {
		for _, f := range fields {
			c := Compare(a[f.Field], b[f.Field])
			if f.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// DefaultKeyFields is used when an entity declares no key fields.
var DefaultKeyFields = []string{"id"}

// ItemKey builds an item's key from its key fields.
func ItemKey(item Item, fields []string) (Key, error) {
	if len(fields) == 0 {
		fields = DefaultKeyFields
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := item[f]
		if !ok || v == nil {
			return "", fmt.Errorf("item has no key field %q", f)
		}
		parts[i] = keyPart(v)
	}
	return strings.Join(parts, ","), nil
}

func keyPart(v any) string {
	if f, ok := toFloat(v); ok {
		// 3 and 3.0 must produce the same key, and 1234567 must not turn
		// into an exponent.
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
