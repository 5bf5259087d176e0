// Package liveclient is the Go client for a live-query server: it keeps
// local cached lists of query results up to date from the server's delta
// stream.
package liveclient

import (
	"fmt"
	"slices"

	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/query"
)

// Re-exported so callers outside this module can build queries.
type (
	Query     = query.Query
	Item      = query.Item
	Key       = query.Key
	SortField = query.SortField
	Delta     = protocol.Delta
)

// NewQuery returns a query on entity with no filter.
var NewQuery = query.New

// KeyFunc returns an item's key.
type KeyFunc func(Item) (Key, error)

// KeyFields returns a KeyFunc over the named fields.
func KeyFields(fields ...string) KeyFunc {
	return func(item Item) (Key, error) {
		return query.ItemKey(item, fields)
	}
}

// Reduce applies deltas in order to items and returns the new list; items
// is left untouched. add drops any item with the same key before
// appending, replace swaps the item under the old key, remove filters the
// key out. When sort is set the list is re-sorted after adds and replaces.
func Reduce(items []Item, deltas []Delta, key KeyFunc, sort []SortField) ([]Item, error) {
	out := slices.Clone(items)
	resort := false
	for _, d := range deltas {
		switch d.Type {
		case protocol.DeltaAll:
			all, err := d.Items()
			if err != nil {
				return nil, err
			}
			out = all
		case protocol.DeltaAdd:
			item, err := d.Item()
			if err != nil {
				return nil, err
			}
			k, err := key(item)
			if err != nil {
				return nil, err
			}
			out = append(without(out, key, k), item)
			resort = true
		case protocol.DeltaReplace:
			r, err := d.Replacement()
			if err != nil {
				return nil, err
			}
			k, err := key(r.Item)
			if err != nil {
				return nil, err
			}
			if k != r.OldID {
				out = without(out, key, k)
			}
			if i := indexOf(out, key, r.OldID); i >= 0 {
				out[i] = r.Item
			} else {
				out = append(out, r.Item)
			}
			resort = true
		case protocol.DeltaRemove:
			rm, err := d.Removal()
			if err != nil {
				return nil, err
			}
			out = without(out, key, rm.ID)
		default:
			return nil, fmt.Errorf("unknown delta type %q", d.Type)
		}
	}
	if resort && len(sort) > 0 {
		slices.SortStableFunc(out, query.Comparator(sort))
	}
	if out == nil {
		out = []Item{}
	}
	return out, nil
}

// without removes items keyed k. Items without a key never match.
func without(items []Item, key KeyFunc, k Key) []Item {
	return slices.DeleteFunc(items, func(item Item) bool {
		ik, err := key(item)
		return err == nil && ik == k
	})
}

func indexOf(items []Item, key KeyFunc, k Key) int {
	return slices.IndexFunc(items, func(item Item) bool {
		ik, err := key(item)
		return err == nil && ik == k
	})
}
