// Package protocol implements the live-query wire format: deltas, stream
// frames and the request bodies of the HTTP API.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zot/livequery/internal/query"
)

// DeltaType identifies the kind of change a delta describes.
type DeltaType string

const (
	DeltaAll     DeltaType = "all"
	DeltaAdd     DeltaType = "add"
	DeltaReplace DeltaType = "replace"
	DeltaRemove  DeltaType = "remove"
)

// Delta is one change to a subscription's result set.
type Delta struct {
	Type DeltaType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReplaceData is the payload of a replace delta.
type ReplaceData struct {
	OldID query.Key  `json:"oldId"`
	Item  query.Item `json:"item"`
}

// RemoveData is the payload of a remove delta.
type RemoveData struct {
	ID query.Key `json:"id"`
}

// NewDelta creates a delta with the given type and payload.
func NewDelta(deltaType DeltaType, data interface{}) (Delta, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return Delta{}, err
		}
	}
	return Delta{Type: deltaType, Data: raw}, nil
}

// All replaces the whole cached list.
func All(items []query.Item) (Delta, error) {
	if items == nil {
		items = []query.Item{}
	}
	return NewDelta(DeltaAll, items)
}

// Add reports an item that started matching.
func Add(item query.Item) (Delta, error) {
	return NewDelta(DeltaAdd, item)
}

// Replace reports an item whose key changed from oldID.
func Replace(oldID query.Key, item query.Item) (Delta, error) {
	return NewDelta(DeltaReplace, ReplaceData{OldID: oldID, Item: item})
}

// Remove reports an item that stopped matching.
func Remove(id query.Key) (Delta, error) {
	return NewDelta(DeltaRemove, RemoveData{ID: id})
}

// Items decodes an all delta.
func (d Delta) Items() ([]query.Item, error) {
	if d.Type != DeltaAll {
		return nil, fmt.Errorf("items of %s delta", d.Type)
	}
	var items []query.Item
	if err := json.Unmarshal(d.Data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Item decodes an add delta.
func (d Delta) Item() (query.Item, error) {
	if d.Type != DeltaAdd {
		return nil, fmt.Errorf("item of %s delta", d.Type)
	}
	var item query.Item
	if err := json.Unmarshal(d.Data, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// Replacement decodes a replace delta.
func (d Delta) Replacement() (ReplaceData, error) {
	var data ReplaceData
	if d.Type != DeltaReplace {
		return data, fmt.Errorf("replacement of %s delta", d.Type)
	}
	err := json.Unmarshal(d.Data, &data)
	return data, err
}

// Removal decodes a remove delta.
func (d Delta) Removal() (RemoveData, error) {
	var data RemoveData
	if d.Type != DeltaRemove {
		return data, fmt.Errorf("removal of %s delta", d.Type)
	}
	err := json.Unmarshal(d.Data, &data)
	return data, err
}

// ParseDeltas parses raw JSON that may be a single delta or an array.
func ParseDeltas(data []byte) ([]Delta, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case '[':
		var deltas []Delta
		if err := json.Unmarshal(data, &deltas); err != nil {
			return nil, err
		}
		return deltas, nil
	case '{':
		var d Delta
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return []Delta{d}, nil
	default:
		return nil, fmt.Errorf("unexpected delta payload %q", data[:1])
	}
}

// SubscribeRequest asks the server to watch a query. ID is proposed by the
// client and must start with its client id.
type SubscribeRequest struct {
	ID    string      `json:"id"`
	Query query.Query `json:"query"`
}

// SubscribeResponse carries the initial result set.
type SubscribeResponse struct {
	ID   string       `json:"id"`
	Data []query.Item `json:"data"`
}

// IDRequest names one subscription (unsubscribe, resync).
type IDRequest struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of a failed API call.
type ErrorResponse struct {
	Code        string `json:"code"` // One-word error code (e.g., "invalid-query", "unknown-entity")
	Description string `json:"description"`
}
