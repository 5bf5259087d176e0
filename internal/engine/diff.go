package engine

import (
	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/query"
)

// Change describes one row touched by a write. An insert has no OldID; an
// update keeps or changes the key; a delete names a key whose row is gone.
type Change struct {
	ID    query.Key `json:"id,omitempty"`
	OldID query.Key `json:"oldId,omitempty"`
}

// Inserted is the change for a new row.
func Inserted(id query.Key) Change {
	return Change{ID: id}
}

// Updated is the change for an updated row, possibly re-keyed.
func Updated(oldID, id query.Key) Change {
	return Change{ID: id, OldID: oldID}
}

// Deleted is the change for a removed row.
func Deleted(id query.Key) Change {
	return Change{ID: id, OldID: id}
}

// Diff computes the deltas turning lastIDs into the current result. keys[i]
// is the key of items[i]. Removes come first, then adds and replaces in
// result order.
func Diff(lastIDs []query.Key, items []query.Item, keys []query.Key, changes []Change) ([]protocol.Delta, error) {
	current := make(map[query.Key]bool, len(keys))
	for _, k := range keys {
		current[k] = true
	}
	last := make(map[query.Key]bool, len(lastIDs))
	for _, k := range lastIDs {
		last[k] = true
	}
	byID := make(map[query.Key][]Change, len(changes))
	for _, c := range changes {
		byID[c.ID] = append(byID[c.ID], c)
	}

	var deltas []protocol.Delta
	for _, k := range lastIDs {
		if current[k] || replacedBy(k, changes, current) {
			continue
		}
		d, err := protocol.Remove(k)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}

	for i, item := range items {
		k := keys[i]
		var d protocol.Delta
		var err error
		if oldID, ok := replacing(byID[k], last); ok {
			d, err = protocol.Replace(oldID, item)
		} else if !last[k] {
			d, err = protocol.Add(item)
		} else {
			continue
		}
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// replacedBy reports whether a change moved key to a row still in the result.
func replacedBy(key query.Key, changes []Change, current map[query.Key]bool) bool {
	for _, c := range changes {
		if c.OldID == key && c.ID != "" && current[c.ID] {
			return true
		}
	}
	return false
}

// replacing returns the old key of the first change whose OldID was known.
func replacing(changes []Change, last map[query.Key]bool) (query.Key, bool) {
	for _, c := range changes {
		if c.OldID != "" && last[c.OldID] {
			return c.OldID, true
		}
	}
	return "", false
}
