package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/zot/livequery/internal/query"
)

// MemoryStorage is an in-memory registry backend.
type MemoryStorage struct {
	records     map[string]*Record
	entityIndex map[string]map[string]struct{} // entity -> subscription ids
	opts        Options
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new in-memory registry.
func NewMemoryStorage(opts Options) *MemoryStorage {
	return &MemoryStorage{
		records:     make(map[string]*Record),
		entityIndex: make(map[string]map[string]struct{}),
		opts:        opts.withDefaults(),
	}
}

// Store persists a record to memory.
func (m *MemoryStorage) Store(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Resubscribing under the same id may move it to another entity.
	if existing, ok := m.records[rec.ID]; ok && existing.Entity != rec.Entity {
		m.removeFromEntityIndex(existing.Entity, rec.ID)
	}

	stored := rec.Clone()
	stored.LastUsed = m.opts.Clock.Now()
	m.records[rec.ID] = stored

	ids, ok := m.entityIndex[rec.Entity]
	if !ok {
		ids = make(map[string]struct{})
		m.entityIndex[rec.Entity] = ids
	}
	ids[rec.ID] = struct{}{}
	return nil
}

// Remove deletes a record from memory.
func (m *MemoryStorage) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
	return nil
}

// removeLocked deletes a record (must be called with lock held).
func (m *MemoryStorage) removeLocked(id string) {
	rec, ok := m.records[id]
	if !ok {
		return // Already removed
	}
	delete(m.records, id)
	m.removeFromEntityIndex(rec.Entity, id)
}

// removeFromEntityIndex removes an id from its entity's index.
func (m *MemoryStorage) removeFromEntityIndex(entity, id string) {
	ids := m.entityIndex[entity]
	delete(ids, id)
	if len(ids) == 0 {
		delete(m.entityIndex, entity)
	}
}

// Load retrieves a copy of a record.
func (m *MemoryStorage) Load(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// ProvideListeners prunes, then hands each live record on entity to fn.
// fn runs without the lock held so it may block or call back into storage.
func (m *MemoryStorage) ProvideListeners(ctx context.Context, entity string, fn ListenerFunc) error {
	if _, err := m.Prune(ctx); err != nil {
		return err
	}

	m.mu.RLock()
	recs := make([]*Record, 0, len(m.entityIndex[entity]))
	for id := range m.entityIndex[entity] {
		recs = append(recs, m.records[id].Clone())
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	for _, rec := range recs {
		id := rec.ID
		fn(rec, func(ids []query.Key) error {
			return m.setLastIDs(id, ids)
		})
	}
	return nil
}

// setLastIDs updates a record's id list. A record removed meanwhile is
// silently skipped.
func (m *MemoryStorage) setLastIDs(id string, ids []query.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	rec.LastIDs = append([]query.Key(nil), ids...)
	return nil
}

// KeepAliveAndReturnUnknownIDs refreshes known ids and returns the rest.
func (m *MemoryStorage) KeepAliveAndReturnUnknownIDs(ctx context.Context, ids []string) ([]string, error) {
	if _, err := m.Prune(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Clock.Now()
	unknown := []string{}
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			rec.LastUsed = now
		} else {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// Prune removes records idle past the TTL.
func (m *MemoryStorage) Prune(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.opts.cutoff()
	var pruned []string
	for id, rec := range m.records {
		if rec.LastUsed.Before(cutoff) {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		m.removeLocked(id)
	}
	if len(pruned) > 0 {
		logger.Debugf("pruned %d idle subscriptions", len(pruned))
	}
	sort.Strings(pruned)
	return pruned, nil
}

// List returns copies of all records ordered by id.
func (m *MemoryStorage) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec.Clone())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Count returns the number of stored records.
func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close closes the storage backend.
func (m *MemoryStorage) Close() error {
	return nil
}
