// Package engine re-runs subscribed queries when items change and publishes
// the resulting deltas.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/zot/livequery/internal/fanout"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/query"
	"github.com/zot/livequery/internal/storage"
)

var logger = loggo.GetLogger("livequery.engine")

var (
	// ErrInvalidQuery rejects malformed queries at subscribe time.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrUnknownEntity rejects queries on entities the executor lacks.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrForbidden rejects subscription ids not owned by the caller.
	ErrForbidden = errors.New("subscription id not owned by client")
)

// Executor runs queries against the entity layer.
type Executor interface {
	Execute(ctx context.Context, q query.Query) ([]query.Item, error)
	Key(entity string, item query.Item) (query.Key, error)
	HasEntity(entity string) bool
}

// Options tune an Engine.
type Options struct {
	// Workers bounds concurrent recomputations per ItemChanged call.
	Workers int
	// SkipUnlistened skips recomputation for channels nobody listens to.
	SkipUnlistened bool
	Metrics        *metrics.Metrics
	// Log is the verbosity-levelled logger, see config.Config.Log.
	Log func(level int, format string, args ...interface{})
}

// Engine is the diff engine. It is the only writer of a subscription's
// LastIDs and serializes that per subscription id.
type Engine struct {
	store   storage.Backend
	exec    Executor
	pub     fanout.Publisher
	opts    Options
	metrics *metrics.Metrics

	mu   sync.Mutex
	svcs map[string]*svc
}

// New creates an engine.
func New(store storage.Backend, exec Executor, pub fanout.Publisher, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Log == nil {
		opts.Log = func(int, string, ...interface{}) {}
	}
	return &Engine{
		store:   store,
		exec:    exec,
		pub:     pub,
		opts:    opts,
		metrics: opts.Metrics,
		svcs:    make(map[string]*svc),
	}
}

// Owns reports whether subscription id belongs to clientID.
func Owns(clientID, id string) bool {
	return clientID != "" &&
		strings.HasPrefix(id, clientID+fanout.ChannelSeparator) &&
		len(id) > len(clientID)+len(fanout.ChannelSeparator) &&
		fanout.ChannelClientID(id) == clientID
}

func (e *Engine) svcFor(id string) *svc {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.svcs[id]
	if !ok {
		s = newSvc()
		e.svcs[id] = s
	}
	return s
}

// dropSvc stops s if it is still id's executor. Called from inside s's own
// job, so no other job for id is running.
func (e *Engine) dropSvc(id string, s *svc) {
	e.mu.Lock()
	if e.svcs[id] == s {
		delete(e.svcs, id)
	}
	e.mu.Unlock()
	s.stop()
}

// retire drops id's executor once its record is gone.
func (e *Engine) retire(ctx context.Context, id string) {
	e.mu.Lock()
	s, ok := e.svcs[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	svcSync(ctx, s, func() (struct{}, error) {
		if _, err := e.store.Load(ctx, id); errors.Is(err, storage.ErrNotFound) {
			e.dropSvc(id, s)
		}
		return struct{}{}, nil
	})
}

func (e *Engine) keys(entity string, items []query.Item) ([]query.Key, error) {
	keys := make([]query.Key, len(items))
	for i, item := range items {
		k, err := e.exec.Key(entity, item)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

// Subscribe validates q, executes it and registers the subscription. The
// returned items are the initial result.
func (e *Engine) Subscribe(ctx context.Context, clientID, id string, q query.Query) ([]query.Item, error) {
	if !Owns(clientID, id) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if !e.exec.HasEntity(q.Entity) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, q.Entity)
	}

	s := e.svcFor(id)
	items, err := svcSync(ctx, s, func() ([]query.Item, error) {
		items, err := e.exec.Execute(ctx, q)
		if err == nil {
			var keys []query.Key
			if keys, err = e.keys(q.Entity, items); err == nil {
				err = e.store.Store(ctx, &storage.Record{
					ID:       id,
					ClientID: clientID,
					Entity:   q.Entity,
					Query:    q,
					LastIDs:  keys,
				})
			}
		}
		if err != nil {
			if _, loadErr := e.store.Load(ctx, id); errors.Is(loadErr, storage.ErrNotFound) {
				e.dropSvc(id, s)
			}
			return nil, err
		}
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	e.metrics.Subscribes.Inc()
	e.opts.Log(1, "Subscribed %s to %s %s (%d items)", id, q.Entity, q.Canonical(), len(items))
	if items == nil {
		items = []query.Item{}
	}
	return items, nil
}

// Unsubscribe removes the subscription and stops its executor.
func (e *Engine) Unsubscribe(ctx context.Context, id string) error {
	s := e.svcFor(id)
	_, err := svcSync(ctx, s, func() (struct{}, error) {
		err := e.store.Remove(ctx, id)
		e.dropSvc(id, s)
		return struct{}{}, err
	})
	if errors.Is(err, errStopped) {
		// Another job retired it first.
		return e.store.Remove(ctx, id)
	}
	if err == nil {
		e.metrics.Unsubscribes.Inc()
		e.opts.Log(1, "Unsubscribed %s", id)
	}
	return err
}

type listener struct {
	id         string
	setLastIDs storage.SetLastIDs
}

// ItemChanged recomputes every live subscription on entity and publishes
// their deltas. A failing subscription is logged and skipped.
func (e *Engine) ItemChanged(ctx context.Context, entity string, changes []Change) error {
	var listeners []listener
	err := e.store.ProvideListeners(ctx, entity, func(rec *storage.Record, setLastIDs storage.SetLastIDs) {
		if e.opts.SkipUnlistened && !e.pub.AnyoneListensToChannel(rec.ID) {
			e.metrics.SkippedUnlistened.Inc()
			return
		}
		listeners = append(listeners, listener{id: rec.ID, setLastIDs: setLastIDs})
	})
	if err != nil {
		return fmt.Errorf("listeners for %s: %w", entity, err)
	}
	e.opts.Log(2, "Item changed on %s: %d changes, %d subscriptions", entity, len(changes), len(listeners))

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, l := range listeners {
		g.Go(func() error {
			if err := e.recompute(ctx, l, changes); err != nil && !errors.Is(err, errStopped) {
				e.metrics.RecomputeFailures.Inc()
				logger.Warningf("recompute %s: %v", l.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// recompute runs one subscription's read-diff-write-publish cycle on its
// executor.
func (e *Engine) recompute(ctx context.Context, l listener, changes []Change) error {
	s := e.svcFor(l.id)
	_, err := svcSync(ctx, s, func() (struct{}, error) {
		rec, err := e.store.Load(ctx, l.id)
		if errors.Is(err, storage.ErrNotFound) {
			e.dropSvc(l.id, s)
			return struct{}{}, nil
		}
		if err != nil {
			return struct{}{}, err
		}

		start := time.Now()
		e.metrics.Recomputes.Inc()
		items, err := e.exec.Execute(ctx, rec.Query)
		if err != nil {
			return struct{}{}, err
		}
		keys, err := e.keys(rec.Entity, items)
		if err != nil {
			return struct{}{}, err
		}
		deltas, err := Diff(rec.LastIDs, items, keys, changes)
		if err != nil {
			return struct{}{}, err
		}
		// A failed publish leaves LastIDs alone so the next change
		// re-derives the lost deltas.
		if err := e.publish(rec.ID, deltas); err != nil {
			return struct{}{}, err
		}
		e.metrics.RecomputeSeconds.Observe(time.Since(start).Seconds())
		return struct{}{}, l.setLastIDs(keys)
	})
	return err
}

func (e *Engine) publish(channel string, deltas []protocol.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	for _, d := range deltas {
		e.metrics.Deltas.WithLabelValues(string(d.Type)).Inc()
		e.opts.Log(3, "Delta %s %s %s", channel, d.Type, d.Data)
	}
	return e.pub.SendChannelMessage(channel, deltas)
}

// Resync re-executes id's query, resets its LastIDs and publishes the full
// result as an all delta on its channel.
func (e *Engine) Resync(ctx context.Context, id string) error {
	s := e.svcFor(id)
	_, err := svcSync(ctx, s, func() (struct{}, error) {
		rec, err := e.store.Load(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			e.dropSvc(id, s)
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, err
		}
		items, err := e.exec.Execute(ctx, rec.Query)
		if err != nil {
			return struct{}{}, err
		}
		keys, err := e.keys(rec.Entity, items)
		if err != nil {
			return struct{}{}, err
		}
		all, err := protocol.All(items)
		if err != nil {
			return struct{}{}, err
		}
		if err := e.publish(id, []protocol.Delta{all}); err != nil {
			return struct{}{}, err
		}
		e.metrics.Resyncs.Inc()
		rec.LastIDs = keys
		return struct{}{}, e.store.Store(ctx, rec)
	})
	if errors.Is(err, errStopped) {
		return fmt.Errorf("resync %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resync %s: %w", id, err)
	}
	return nil
}

// KeepAlive refreshes ids and returns those the registry no longer knows.
func (e *Engine) KeepAlive(ctx context.Context, ids []string) ([]string, error) {
	unknown, err := e.store.KeepAliveAndReturnUnknownIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range unknown {
		e.retire(ctx, id)
	}
	if len(unknown) > 0 {
		e.opts.Log(1, "Keep-alive: %d of %d subscriptions unknown", len(unknown), len(ids))
	}
	return unknown, nil
}

// Sweep prunes idle subscriptions and returns how many were removed. It also
// retires executors of subscriptions pruned earlier by other registry calls.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	pruned, err := e.store.Prune(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.svcs))
	for id := range e.svcs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.retire(ctx, id)
	}
	e.metrics.Pruned.Add(float64(len(pruned)))
	return len(pruned), nil
}

// Subscriptions lists registered subscriptions.
func (e *Engine) Subscriptions(ctx context.Context) ([]*storage.Record, error) {
	return e.store.List(ctx)
}

// Executors returns the number of live subscription executors.
func (e *Engine) Executors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.svcs)
}
