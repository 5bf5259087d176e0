package memsource

import (
	"context"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/query"
)

const seedYAML = `
entities:
  tasks:
    key: [id]
    items:
      - {id: 1, title: write, completed: false, rank: 3}
      - {id: 2, title: test, completed: true, rank: 1}
      - {id: 3, title: ship, completed: false, rank: 2}
  memberships:
    key: [team, user]
    items:
      - {team: a, user: 1}
`

func seeded(c *qt.C) *Source {
	s := New()
	c.Assert(s.LoadSeed([]byte(seedYAML)), qt.IsNil)
	return s
}

func keysOf(c *qt.C, s *Source, entity string, items []query.Item) []query.Key {
	keys := make([]query.Key, len(items))
	for i, item := range items {
		k, err := s.Key(entity, item)
		c.Assert(err, qt.IsNil)
		keys[i] = k
	}
	return keys
}

func TestSeedAndExecute(t *testing.T) {
	c := qt.New(t)
	s := seeded(c)

	c.Assert(s.Entities(), qt.DeepEquals, []string{"memberships", "tasks"})
	c.Assert(s.HasEntity("tasks"), qt.IsTrue)
	c.Assert(s.HasEntity("users"), qt.IsFalse)

	items, err := s.Execute(context.Background(), query.New("tasks").Where("completed", false))
	c.Assert(err, qt.IsNil)
	c.Assert(keysOf(c, s, "tasks", items), qt.DeepEquals, []query.Key{"1", "3"})

	items, err = s.Execute(context.Background(), query.New("tasks").OrderBy("rank", false))
	c.Assert(err, qt.IsNil)
	c.Assert(keysOf(c, s, "tasks", items), qt.DeepEquals, []query.Key{"2", "3", "1"})

	items, err = s.Execute(context.Background(), query.New("tasks").WhereScript(`item.rank > 1 and item.title ~= "ship"`))
	c.Assert(err, qt.IsNil)
	c.Assert(keysOf(c, s, "tasks", items), qt.DeepEquals, []query.Key{"1"})

	k, err := s.Key("memberships", query.Item{"team": "a", "user": 1})
	c.Assert(err, qt.IsNil)
	c.Assert(k, qt.Equals, "a,1")
}

func TestExecuteReturnsCopies(t *testing.T) {
	c := qt.New(t)
	s := seeded(c)

	items, err := s.Execute(context.Background(), query.New("tasks"))
	c.Assert(err, qt.IsNil)
	items[0]["title"] = "changed"

	got, err := s.Get("tasks", "1")
	c.Assert(err, qt.IsNil)
	c.Assert(got["title"], qt.Equals, "write")
}

func TestWritesReportChanges(t *testing.T) {
	c := qt.New(t)
	s := seeded(c)

	var changes []engine.Change
	s.OnChange(func(_ context.Context, entity string, cs []engine.Change) error {
		c.Check(entity, qt.Equals, "tasks")
		changes = append(changes, cs...)
		return nil
	})
	ctx := context.Background()

	_, err := s.Put(ctx, "tasks", query.Item{"id": 4, "completed": false})
	c.Assert(err, qt.IsNil)
	_, err = s.Put(ctx, "tasks", query.Item{"id": 4, "completed": true})
	c.Assert(err, qt.IsNil)
	_, err = s.Rekey(ctx, "tasks", "4", query.Item{"id": 40, "completed": true})
	c.Assert(err, qt.IsNil)
	c.Assert(s.Delete(ctx, "tasks", "40"), qt.IsNil)

	c.Assert(changes, qt.DeepEquals, []engine.Change{
		{ID: "4"},
		{ID: "4", OldID: "4"},
		{ID: "40", OldID: "4"},
		{ID: "40", OldID: "40"},
	})
}

func TestRekeyKeepsPosition(t *testing.T) {
	c := qt.New(t)
	s := seeded(c)

	_, err := s.Rekey(context.Background(), "tasks", "1", query.Item{"id": 10, "completed": false})
	c.Assert(err, qt.IsNil)

	items, err := s.Execute(context.Background(), query.New("tasks"))
	c.Assert(err, qt.IsNil)
	c.Assert(keysOf(c, s, "tasks", items), qt.DeepEquals, []query.Key{"10", "2", "3"})

	_, err = s.Rekey(context.Background(), "tasks", "2", query.Item{"id": 3})
	c.Assert(err, qt.ErrorMatches, "tasks key 3 already exists")
}

func TestWriteErrors(t *testing.T) {
	c := qt.New(t)
	s := seeded(c)
	ctx := context.Background()

	_, err := s.Put(ctx, "users", query.Item{"id": 1})
	c.Assert(errors.Is(err, engine.ErrUnknownEntity), qt.IsTrue)

	_, err = s.Put(ctx, "tasks", query.Item{"title": "no id"})
	c.Assert(err, qt.ErrorMatches, `item has no key field "id"`)

	err = s.Delete(ctx, "tasks", "99")
	c.Assert(errors.Is(err, ErrNoItem), qt.IsTrue)

	c.Assert(s.LoadSeed([]byte("entities: [")), qt.ErrorMatches, "bad seed data: .*")
}
