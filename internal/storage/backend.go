// Package storage implements the subscription registry: records of the
// queries clients are watching, with time-to-live pruning.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/zot/livequery/internal/query"
)

var logger = loggo.GetLogger("livequery.storage")

// ErrNotFound is returned by Load for unknown subscription ids.
var ErrNotFound = errors.New("subscription not found")

// DefaultTTL is the inactivity window after which a subscription is pruned.
const DefaultTTL = 5 * time.Minute

// Record is one subscribed query.
type Record struct {
	ID       string      `json:"id"`
	ClientID string      `json:"clientId"`
	Entity   string      `json:"entity"`
	Query    query.Query `json:"query"`
	LastIDs  []query.Key `json:"lastIds"`
	LastUsed time.Time   `json:"lastUsed"`
}

// Clone returns a deep copy so callers never share LastIDs.
func (r *Record) Clone() *Record {
	cp := *r
	cp.LastIDs = append([]query.Key(nil), r.LastIDs...)
	return &cp
}

// SetLastIDs persists an updated id list onto one record.
type SetLastIDs func(ids []query.Key) error

// ListenerFunc receives each live record on an entity.
type ListenerFunc func(rec *Record, setLastIDs SetLastIDs)

// Backend defines the interface for registry backends.
type Backend interface {
	// Store persists a new subscription record. LastUsed is set to now.
	Store(ctx context.Context, rec *Record) error

	// Remove deletes a record. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error

	// Load retrieves one record, or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)

	// ProvideListeners prunes expired records, then calls fn for every live
	// record on entity.
	ProvideListeners(ctx context.Context, entity string, fn ListenerFunc) error

	// KeepAliveAndReturnUnknownIDs prunes expired records, refreshes the
	// LastUsed of every known id and returns the ids it does not know.
	KeepAliveAndReturnUnknownIDs(ctx context.Context, ids []string) ([]string, error)

	// Prune removes records idle longer than the TTL and returns their ids.
	Prune(ctx context.Context) ([]string, error)

	// List returns every record.
	List(ctx context.Context) ([]*Record, error)

	// Close closes the storage backend.
	Close() error
}

// Options are shared by all backends.
type Options struct {
	TTL   time.Duration
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	return o
}

// cutoff is the oldest LastUsed still considered live.
func (o Options) cutoff() time.Time {
	return o.Clock.Now().Add(-o.TTL)
}

// New opens the backend named by kind ("memory", "sqlite", "postgresql").
func New(kind, path, url string, opts Options) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(opts), nil
	case "sqlite":
		return NewSQLiteStorage(path, opts)
	case "postgresql", "postgres":
		return NewPostgresStorage(url, opts)
	default:
		return nil, fmt.Errorf("unknown storage type %q", kind)
	}
}
