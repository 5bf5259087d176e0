// Package memsource is an in-memory entity source: tables of items keyed by
// their key fields, queried with query.Query and reporting writes to the
// diff engine.
package memsource

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/juju/loggo"

	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/query"
)

var logger = loggo.GetLogger("livequery.memsource")

// ErrNoItem is returned when a key names no item.
var ErrNoItem = errors.New("no such item")

// ChangeFunc is told about every write, normally engine.Engine.ItemChanged.
type ChangeFunc func(ctx context.Context, entity string, changes []engine.Change) error

type table struct {
	keyFields []string
	rows      map[query.Key]query.Item
	order     []query.Key
}

func (t *table) remove(key query.Key) {
	delete(t.rows, key)
	if i := slices.Index(t.order, key); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

// Source holds the tables.
type Source struct {
	mu       sync.RWMutex
	tables   map[string]*table
	onChange ChangeFunc
}

// New creates an empty source.
func New() *Source {
	return &Source{tables: make(map[string]*table)}
}

// OnChange sets the write hook.
func (s *Source) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Define declares an entity. Redefining keeps existing rows.
func (s *Source) Define(entity string, keyFields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[entity]; ok {
		if len(keyFields) > 0 {
			t.keyFields = keyFields
		}
		return
	}
	s.tables[entity] = &table{keyFields: keyFields, rows: make(map[query.Key]query.Item)}
}

// Entities lists defined entities in name order.
func (s *Source) Entities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tables))
}

// HasEntity implements engine.Executor.
func (s *Source) HasEntity(entity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[entity]
	return ok
}

// Key implements engine.Executor.
func (s *Source) Key(entity string, item query.Item) (query.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[entity]
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	return query.ItemKey(item, t.keyFields)
}

// Execute implements engine.Executor. Rows come back in insertion order
// unless the query sorts them.
func (s *Source) Execute(_ context.Context, q query.Query) ([]query.Item, error) {
	m, err := query.NewMatcher(q)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[q.Entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownEntity, q.Entity)
	}

	items := []query.Item{}
	for _, key := range t.order {
		row := t.rows[key]
		ok, err := m.Match(row)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", q.Entity, key, err)
		}
		if ok {
			items = append(items, maps.Clone(row))
		}
	}
	if cmp := query.Comparator(q.Sort); cmp != nil {
		slices.SortStableFunc(items, cmp)
	}
	return items, nil
}

// Get returns a copy of one item.
func (s *Source) Get(entity string, key query.Key) (query.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	row, ok := t.rows[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNoItem, entity, key)
	}
	return maps.Clone(row), nil
}

// Put inserts or replaces an item by key and reports the change.
func (s *Source) Put(ctx context.Context, entity string, item query.Item) (query.Key, error) {
	s.mu.Lock()
	t, ok := s.tables[entity]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	key, err := query.ItemKey(item, t.keyFields)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	change := engine.Inserted(key)
	if _, exists := t.rows[key]; exists {
		change = engine.Updated(key, key)
	} else {
		t.order = append(t.order, key)
	}
	t.rows[key] = maps.Clone(item)
	s.mu.Unlock()

	return key, s.changed(ctx, entity, change)
}

// Rekey replaces the item under oldKey with item, whose key may differ,
// keeping its position.
func (s *Source) Rekey(ctx context.Context, entity string, oldKey query.Key, item query.Item) (query.Key, error) {
	s.mu.Lock()
	t, ok := s.tables[entity]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	if _, ok := t.rows[oldKey]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s %s", ErrNoItem, entity, oldKey)
	}
	key, err := query.ItemKey(item, t.keyFields)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if _, taken := t.rows[key]; taken && key != oldKey {
		s.mu.Unlock()
		return "", fmt.Errorf("%s key %s already exists", entity, key)
	}
	delete(t.rows, oldKey)
	t.order[slices.Index(t.order, oldKey)] = key
	t.rows[key] = maps.Clone(item)
	s.mu.Unlock()

	return key, s.changed(ctx, entity, engine.Updated(oldKey, key))
}

// Delete removes an item and reports the change.
func (s *Source) Delete(ctx context.Context, entity string, key query.Key) error {
	s.mu.Lock()
	t, ok := s.tables[entity]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrUnknownEntity, entity)
	}
	if _, ok := t.rows[key]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNoItem, entity, key)
	}
	t.remove(key)
	s.mu.Unlock()

	return s.changed(ctx, entity, engine.Deleted(key))
}

func (s *Source) changed(ctx context.Context, entity string, changes ...engine.Change) error {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	if err := fn(ctx, entity, changes); err != nil {
		logger.Warningf("change notification for %s failed: %v", entity, err)
		return err
	}
	return nil
}
