package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/zot/livequery/internal/query"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type backendFactory func(t *testing.T, opts Options) Backend

func backends(t *testing.T) map[string]backendFactory {
	factories := map[string]backendFactory{
		"memory": func(t *testing.T, opts Options) Backend {
			return NewMemoryStorage(opts)
		},
		"sqlite": func(t *testing.T, opts Options) Backend {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "registry.db"), opts)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if url := os.Getenv("LIVEQUERY_TEST_POSTGRES_URL"); url != "" {
		factories["postgresql"] = func(t *testing.T, opts Options) Backend {
			s, err := NewPostgresStorage(url, opts)
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			t.Cleanup(func() {
				s.db.Exec("DELETE FROM livequery_subscriptions")
				s.Close()
			})
			return s
		}
	}
	return factories
}

func record(id, entity string, lastIDs ...query.Key) *Record {
	return &Record{
		ID:       id,
		ClientID: "c1",
		Entity:   entity,
		Query:    query.New(entity).Where("completed", false),
		LastIDs:  lastIDs,
	}
}

// TestStoreLoadRemove verifies basic record lifecycle on every backend
func TestStoreLoadRemove(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, Options{Clock: testclock.NewClock(epoch)})

			if err := s.Store(ctx, record("c1:a", "tasks", "1", "2")); err != nil {
				t.Fatalf("Store: %v", err)
			}

			rec, err := s.Load(ctx, "c1:a")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if rec.Entity != "tasks" || len(rec.LastIDs) != 2 || rec.LastIDs[1] != "2" {
				t.Errorf("unexpected record %+v", rec)
			}
			if rec.Query.Canonical() != query.New("tasks").Where("completed", false).Canonical() {
				t.Errorf("query did not round-trip: %s", rec.Query.Canonical())
			}
			if !rec.LastUsed.Equal(epoch) {
				t.Errorf("LastUsed = %v, want %v", rec.LastUsed, epoch)
			}

			if err := s.Remove(ctx, "c1:a"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := s.Remove(ctx, "c1:a"); err != nil {
				t.Errorf("second Remove should be a no-op, got %v", err)
			}
			if _, err := s.Load(ctx, "c1:a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after Remove = %v, want ErrNotFound", err)
			}
		})
	}
}

// TestProvideListenersByEntity verifies entity scoping and setLastIDs
func TestProvideListenersByEntity(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, Options{Clock: testclock.NewClock(epoch)})

			s.Store(ctx, record("c1:a", "tasks"))
			s.Store(ctx, record("c1:b", "tasks", "7"))
			s.Store(ctx, record("c1:c", "users"))

			var seen []string
			err := s.ProvideListeners(ctx, "tasks", func(rec *Record, setLastIDs SetLastIDs) {
				seen = append(seen, rec.ID)
				if err := setLastIDs([]query.Key{"x", rec.ID}); err != nil {
					t.Errorf("setLastIDs: %v", err)
				}
			})
			if err != nil {
				t.Fatalf("ProvideListeners: %v", err)
			}
			if len(seen) != 2 || seen[0] != "c1:a" || seen[1] != "c1:b" {
				t.Errorf("listeners = %v, want [c1:a c1:b]", seen)
			}

			rec, _ := s.Load(ctx, "c1:b")
			if len(rec.LastIDs) != 2 || rec.LastIDs[0] != "x" || rec.LastIDs[1] != "c1:b" {
				t.Errorf("LastIDs = %v, want [x c1:b]", rec.LastIDs)
			}
			other, _ := s.Load(ctx, "c1:c")
			if len(other.LastIDs) != 0 {
				t.Errorf("users record should be untouched, got %v", other.LastIDs)
			}
		})
	}
}

// TestTTLPruneAndKeepAlive verifies eviction surfaces through keep-alive
func TestTTLPruneAndKeepAlive(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := testclock.NewClock(epoch)
			s := factory(t, Options{TTL: 5 * time.Minute, Clock: clk})

			s.Store(ctx, record("c1:idle", "tasks"))
			s.Store(ctx, record("c1:busy", "tasks"))

			clk.Advance(4 * time.Minute)
			unknown, err := s.KeepAliveAndReturnUnknownIDs(ctx, []string{"c1:busy"})
			if err != nil {
				t.Fatalf("KeepAlive: %v", err)
			}
			if len(unknown) != 0 {
				t.Errorf("unknown = %v, want none", unknown)
			}

			clk.Advance(2 * time.Minute)
			var seen []string
			s.ProvideListeners(ctx, "tasks", func(rec *Record, _ SetLastIDs) {
				seen = append(seen, rec.ID)
			})
			if len(seen) != 1 || seen[0] != "c1:busy" {
				t.Errorf("live listeners = %v, want [c1:busy]", seen)
			}

			unknown, err = s.KeepAliveAndReturnUnknownIDs(ctx, []string{"c1:idle", "c1:busy", "c1:never"})
			if err != nil {
				t.Fatalf("KeepAlive: %v", err)
			}
			if len(unknown) != 2 || unknown[0] != "c1:idle" || unknown[1] != "c1:never" {
				t.Errorf("unknown = %v, want [c1:idle c1:never]", unknown)
			}
		})
	}
}

// TestPruneReturnsRemovedIDs verifies explicit sweeps
func TestPruneReturnsRemovedIDs(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := testclock.NewClock(epoch)
			s := factory(t, Options{TTL: time.Minute, Clock: clk})

			s.Store(ctx, record("c1:a", "tasks"))
			clk.Advance(2 * time.Minute)
			s.Store(ctx, record("c1:b", "tasks"))

			pruned, err := s.Prune(ctx)
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if len(pruned) != 1 || pruned[0] != "c1:a" {
				t.Errorf("pruned = %v, want [c1:a]", pruned)
			}
			recs, _ := s.List(ctx)
			if len(recs) != 1 || recs[0].ID != "c1:b" {
				t.Errorf("remaining = %v", recs)
			}
		})
	}
}

// TestMemoryEntityIndexFollowsResubscribe verifies index maintenance on overwrite
func TestMemoryEntityIndexFollowsResubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(Options{})

	s.Store(ctx, record("c1:a", "tasks"))
	s.Store(ctx, record("c1:a", "users"))

	called := 0
	s.ProvideListeners(ctx, "tasks", func(*Record, SetLastIDs) { called++ })
	if called != 0 {
		t.Errorf("tasks listeners = %d, want 0 after moving to users", called)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
}

// TestNewSelectsBackend verifies the factory
func TestNewSelectsBackend(t *testing.T) {
	b, err := New("memory", "", "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*MemoryStorage); !ok {
		t.Errorf("memory kind returned %T", b)
	}
	if _, err := New("redis", "", "", Options{}); err == nil {
		t.Error("expected error for unknown kind")
	}
}
