// Package query defines the structured, versioned live query shared by the
// server and the client: which entity, which rows (filter) and in which
// order (sort).
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Version is the current query format version.
const Version = 1

// ErrInvalid is returned for queries that cannot be evaluated.
var ErrInvalid = errors.New("invalid query")

// Item is one materialized row as the entity layer returns it.
type Item = map[string]any

// Key identifies an item within one entity. Compound keys are flattened
// into a single comparable string.
type Key = string

// Op is a filter comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// Query is a subscription's query.
type Query struct {
	Version int         `json:"version"`
	Entity  string      `json:"entity"`
	Filter  Filter      `json:"filter,omitempty"`
	Sort    []SortField `json:"sort,omitempty"`
}

// Filter selects rows. All conditions must hold; Script, when set, is a Lua
// boolean expression that must also hold.
type Filter struct {
	Conditions []Condition `json:"conditions,omitempty"`
	Script     string      `json:"script,omitempty"`
}

// Condition compares one field against a value.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// SortField orders by one field.
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// New returns a query on entity with no filter.
func New(entity string) Query {
	return Query{Version: Version, Entity: entity}
}

// Where adds an equality condition.
func (q Query) Where(field string, value any) Query {
	return q.WhereOp(field, OpEq, value)
}

// WhereOp adds a condition.
func (q Query) WhereOp(field string, op Op, value any) Query {
	q.Filter.Conditions = append(append([]Condition(nil), q.Filter.Conditions...), Condition{Field: field, Op: op, Value: value})
	return q
}

// WhereScript sets the Lua predicate.
func (q Query) WhereScript(script string) Query {
	q.Filter.Script = script
	return q
}

// OrderBy appends a sort field.
func (q Query) OrderBy(field string, desc bool) Query {
	q.Sort = append(append([]SortField(nil), q.Sort...), SortField{Field: field, Desc: desc})
	return q
}

// Validate checks the query shape and compiles its script.
func (q Query) Validate() error {
	if q.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, q.Version)
	}
	if q.Entity == "" {
		return fmt.Errorf("%w: missing entity", ErrInvalid)
	}
	for _, c := range q.Filter.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: condition without field", ErrInvalid)
		}
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpContains:
		case OpIn:
			if k := reflect.ValueOf(c.Value).Kind(); k != reflect.Slice && k != reflect.Array {
				return fmt.Errorf("%w: %s in expects a list", ErrInvalid, c.Field)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalid, c.Op)
		}
	}
	for _, s := range q.Sort {
		if s.Field == "" {
			return fmt.Errorf("%w: sort without field", ErrInvalid)
		}
	}
	if q.Filter.Script != "" {
		p, err := CompileScript(q.Filter.Script)
		if err != nil {
			return err
		}
		p.Close()
	}
	return nil
}

// Canonical returns a deterministic encoding, used as a cache key.
func (q Query) Canonical() string {
	// encoding/json emits struct fields in declaration order and sorts map
	// keys, so equal queries encode equally.
	data, err := json.Marshal(q)
	if err != nil {
		return q.Entity
	}
	return string(data)
}

// Parse decodes and validates a JSON query.
func Parse(data []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if q.Version == 0 {
		q.Version = Version
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}
