package liveclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	qt "github.com/frankban/quicktest"

	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/server"
	liveclient "github.com/zot/livequery/lib/go"
)

type fixture struct {
	srv    *server.Server
	ts     *httptest.Server
	client *liveclient.Client
}

func newFixture(c *qt.C) *fixture {
	srv, err := server.New(config.DefaultConfig())
	c.Assert(err, qt.IsNil)
	ts := httptest.NewServer(srv.Handler())
	client := liveclient.New(liveclient.Options{
		URL:      ts.URL,
		ClientID: "c1",
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	c.Cleanup(func() {
		client.Close()
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return &fixture{srv: srv, ts: ts, client: client}
}

func (f *fixture) put(c *qt.C, item liveclient.Item) {
	c.Helper()
	_, err := f.srv.Source().Put(context.Background(), "tasks", item)
	c.Assert(err, qt.IsNil)
}

func (f *fixture) serverIDs(c *qt.C) []string {
	c.Helper()
	recs, err := f.srv.Engine().Subscriptions(context.Background())
	c.Assert(err, qt.IsNil)
	var ids []string
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids
}

// recorder collects the snapshots a listener sees.
type recorder struct {
	mu    sync.Mutex
	seen  [][]liveclient.Item
	calls int
}

func (r *recorder) onNext(items []liveclient.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, slices.Clone(items))
	r.calls++
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recorder) latest() []liveclient.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return nil
	}
	return r.seen[len(r.seen)-1]
}

func titles(items []liveclient.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, _ := item["title"].(string)
		out = append(out, s)
	}
	return out
}

// waitTitles polls until the latest snapshot has the wanted titles.
func (r *recorder) waitTitles(c *qt.C, want ...string) {
	c.Helper()
	if want == nil {
		want = []string{}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := titles(r.latest())
		if slices.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			c.Fatalf("snapshot titles = %v, want %v", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func openTasks() liveclient.Query {
	return liveclient.NewQuery("tasks").Where("completed", false).OrderBy("title", false)
}

func TestClientFollowsWrites(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.put(c, liveclient.Item{"id": 1, "title": "b", "completed": false})

	var rec recorder
	unsubscribe, err := f.client.Subscribe(context.Background(), openTasks(), rec.onNext)
	c.Assert(err, qt.IsNil)
	defer unsubscribe()
	rec.waitTitles(c, "b")

	f.put(c, liveclient.Item{"id": 2, "title": "a", "completed": false})
	rec.waitTitles(c, "a", "b")

	f.put(c, liveclient.Item{"id": 1, "title": "b", "completed": true})
	rec.waitTitles(c, "a")

	c.Assert(f.srv.Source().Delete(context.Background(), "tasks", "2"), qt.IsNil)
	rec.waitTitles(c)
}

func TestClientMultiplexesListeners(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.put(c, liveclient.Item{"id": 1, "title": "a", "completed": false})
	ctx := context.Background()

	var first, second recorder
	unsubFirst, err := f.client.Subscribe(ctx, openTasks(), first.onNext)
	c.Assert(err, qt.IsNil)
	first.waitTitles(c, "a")

	unsubSecond, err := f.client.Subscribe(ctx, openTasks(), second.onNext)
	c.Assert(err, qt.IsNil)
	c.Assert(second.count(), qt.Equals, 1, qt.Commentf("cached snapshot is delivered immediately"))
	c.Assert(f.client.Subscriptions(), qt.Equals, 1)
	c.Assert(f.serverIDs(c), qt.HasLen, 1)

	f.put(c, liveclient.Item{"id": 2, "title": "b", "completed": false})
	first.waitTitles(c, "a", "b")
	second.waitTitles(c, "a", "b")

	unsubFirst()
	c.Assert(f.client.Subscriptions(), qt.Equals, 1)
	unsubSecond()
	c.Assert(f.client.Subscriptions(), qt.Equals, 0)

	calls := second.count()
	f.put(c, liveclient.Item{"id": 3, "title": "c", "completed": false})
	time.Sleep(50 * time.Millisecond)
	c.Assert(second.count(), qt.Equals, calls, qt.Commentf("released subscriptions get no more snapshots"))

	f.client.Close()
	c.Assert(f.serverIDs(c), qt.HasLen, 0)
}

func TestClientResyncsAfterReconnect(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.put(c, liveclient.Item{"id": 1, "title": "a", "completed": false})

	var rec recorder
	unsubscribe, err := f.client.Subscribe(context.Background(), openTasks(), rec.onNext)
	c.Assert(err, qt.IsNil)
	defer unsubscribe()
	rec.waitTitles(c, "a")

	f.ts.CloseClientConnections()
	f.put(c, liveclient.Item{"id": 2, "title": "b", "completed": false})
	rec.waitTitles(c, "a", "b")

	f.put(c, liveclient.Item{"id": 3, "title": "c", "completed": false})
	rec.waitTitles(c, "a", "b", "c")
}

func TestClientResubscribesEvicted(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	var rec recorder
	unsubscribe, err := f.client.Subscribe(ctx, openTasks(), rec.onNext)
	c.Assert(err, qt.IsNil)
	defer unsubscribe()
	rec.waitTitles(c)

	ids := f.serverIDs(c)
	c.Assert(ids, qt.HasLen, 1)
	c.Assert(f.srv.Engine().Unsubscribe(ctx, ids[0]), qt.IsNil)
	f.put(c, liveclient.Item{"id": 1, "title": "missed", "completed": false})

	c.Assert(f.client.KeepAlive(ctx), qt.IsNil)
	rec.waitTitles(c, "missed")
	c.Assert(f.serverIDs(c), qt.DeepEquals, ids)

	f.put(c, liveclient.Item{"id": 2, "title": "next", "completed": false})
	rec.waitTitles(c, "missed", "next")
}

func TestClientRejectsInvalidQuery(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	_, err := f.client.Subscribe(context.Background(), liveclient.NewQuery(""), nil)
	c.Assert(err, qt.ErrorMatches, "invalid query: missing entity")

	_, err = f.client.Subscribe(context.Background(), liveclient.NewQuery("users"), nil)
	c.Assert(err, qt.ErrorMatches, `subscribe users: HTTP 400 unknown-entity: .*`)
	c.Assert(f.client.Subscriptions(), qt.Equals, 0)
}

func TestClientReleasesSubscriptionClosedInFlight(t *testing.T) {
	c := qt.New(t)
	srv, err := server.New(config.DefaultConfig())
	c.Assert(err, qt.IsNil)
	arrived, proceed := make(chan struct{}), make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/subscribe" {
			close(arrived)
			<-proceed
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	c.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	client := liveclient.New(liveclient.Options{URL: ts.URL, ClientID: "c1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Subscribe(context.Background(), openTasks(), nil)
	}()
	<-arrived
	client.Close()
	close(proceed)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("Subscribe did not return")
	}

	recs, err := srv.Engine().Subscriptions(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 0, qt.Commentf("a subscribe that lost the race with its release must not stay registered"))
}
