package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/zot/livequery/internal/query"
)

// TestDeltaWireFormat verifies the JSON shape of each delta type
func TestDeltaWireFormat(t *testing.T) {
	all, _ := All([]query.Item{{"id": 1}})
	add, _ := Add(query.Item{"id": 2})
	rep, _ := Replace("1", query.Item{"id": 3})
	rem, _ := Remove("2")
	empty, _ := All(nil)

	tests := []struct {
		delta Delta
		want  string
	}{
		{all, `{"type":"all","data":[{"id":1}]}`},
		{add, `{"type":"add","data":{"id":2}}`},
		{rep, `{"type":"replace","data":{"oldId":"1","item":{"id":3}}}`},
		{rem, `{"type":"remove","data":{"id":"2"}}`},
		{empty, `{"type":"all","data":[]}`},
	}

	for _, tt := range tests {
		got, err := json.Marshal(tt.delta)
		if err != nil {
			t.Fatalf("marshal %s: %v", tt.delta.Type, err)
		}
		if string(got) != tt.want {
			t.Errorf("%s encoded as %s, want %s", tt.delta.Type, got, tt.want)
		}
	}
}

// TestDeltaAccessors verifies typed payload decoding and type checks
func TestDeltaAccessors(t *testing.T) {
	rep, _ := Replace("1", query.Item{"id": 3})
	data, err := rep.Replacement()
	if err != nil {
		t.Fatalf("Replacement: %v", err)
	}
	if data.OldID != "1" || data.Item["id"] != 3.0 {
		t.Errorf("unexpected replacement %+v", data)
	}

	if _, err := rep.Item(); err == nil {
		t.Error("Item() on replace delta should fail")
	}
	if _, err := rep.Removal(); err == nil {
		t.Error("Removal() on replace delta should fail")
	}
}

// TestParseDeltas verifies single and array payloads
func TestParseDeltas(t *testing.T) {
	single, err := ParseDeltas([]byte(`{"type":"remove","data":{"id":"9"}}`))
	if err != nil || len(single) != 1 {
		t.Fatalf("single: %v %v", single, err)
	}
	rem, _ := single[0].Removal()
	if rem.ID != "9" {
		t.Errorf("removal id = %q, want 9", rem.ID)
	}

	batch, err := ParseDeltas([]byte(`[{"type":"add","data":{"id":1}},{"type":"remove","data":{"id":"2"}}]`))
	if err != nil || len(batch) != 2 {
		t.Fatalf("batch: %v %v", batch, err)
	}

	if _, err := ParseDeltas([]byte(`"nope"`)); err == nil {
		t.Error("expected error for scalar payload")
	}
}

// TestFrameEncodeSSE verifies the event-stream rendering
func TestFrameEncodeSSE(t *testing.T) {
	add, _ := Add(query.Item{"id": 1})
	frame, err := NewFrame("c1:abc", []Delta{add})
	if err != nil {
		t.Fatal(err)
	}
	frame.ID = 7

	got := string(frame.EncodeSSE())
	want := "event:c1:abc\nid:7\ndata:[{\"type\":\"add\",\"data\":{\"id\":1}}]\n\n"
	if got != want {
		t.Errorf("EncodeSSE = %q, want %q", got, want)
	}

	hb := string(HeartbeatFrame().EncodeSSE())
	if !strings.HasPrefix(hb, "event:keep-alive\n") || strings.Contains(hb, "id:") {
		t.Errorf("heartbeat frame = %q", hb)
	}
}
