package mcp

import (
	"context"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/fanout"
	"github.com/zot/livequery/internal/memsource"
	"github.com/zot/livequery/internal/query"
	"github.com/zot/livequery/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *memsource.Source, *engine.Engine) {
	t.Helper()
	src := memsource.New()
	src.Define("tasks", "id")
	eng := engine.New(storage.NewMemoryStorage(storage.Options{}), src, fanout.NewHub(), engine.Options{})
	src.OnChange(eng.ItemChanged)
	return NewServer(eng, src, "test"), src, eng
}

func call(name string, args map[string]any) mcpgo.CallToolRequest {
	var req mcpgo.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcpgo.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

// TestPutAndDeleteItem verifies write tools go through the entity source
func TestPutAndDeleteItem(t *testing.T) {
	s, src, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handlePutItem(ctx, call("put_item", map[string]any{
		"entity": "tasks",
		"item":   `{"id": 7, "title": "review"}`,
	}))
	if err != nil || res.IsError {
		t.Fatalf("put_item: %v %s", err, resultText(t, res))
	}
	if got := resultText(t, res); got != "stored tasks 7" {
		t.Errorf("result = %q", got)
	}
	item, err := src.Get("tasks", "7")
	if err != nil || item["title"] != "review" {
		t.Errorf("stored item = %v, %v", item, err)
	}

	res, _ = s.handlePutItem(ctx, call("put_item", map[string]any{
		"entity": "tasks",
		"item":   `{"id": 8, "title": "review"}`,
		"old_id": "7",
	}))
	if res.IsError {
		t.Fatalf("rekey: %s", resultText(t, res))
	}
	if _, err := src.Get("tasks", "7"); err == nil {
		t.Error("old key should be gone after rekey")
	}

	res, _ = s.handleDeleteItem(ctx, call("delete_item", map[string]any{"entity": "tasks", "id": "8"}))
	if res.IsError {
		t.Fatalf("delete_item: %s", resultText(t, res))
	}
	res, _ = s.handleDeleteItem(ctx, call("delete_item", map[string]any{"entity": "tasks", "id": "8"}))
	if !res.IsError {
		t.Error("deleting a missing item should be a tool error")
	}
}

// TestPutItemRejectsBadArguments verifies argument validation
func TestPutItemRejectsBadArguments(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	tests := map[string]map[string]any{
		"missing entity": {"item": `{"id":1}`},
		"not json":       {"entity": "tasks", "item": "nope"},
		"unknown entity": {"entity": "users", "item": `{"id":1}`},
	}
	for name, args := range tests {
		res, err := s.handlePutItem(ctx, call("put_item", args))
		if err != nil {
			t.Errorf("%s: unexpected protocol error %v", name, err)
			continue
		}
		if !res.IsError {
			t.Errorf("%s: expected tool error", name)
		}
	}
}

// TestListSubscriptions verifies the registry listing
func TestListSubscriptions(t *testing.T) {
	s, _, eng := newTestServer(t)
	ctx := context.Background()
	if _, err := eng.Subscribe(ctx, "c1", "c1:open", query.New("tasks").Where("done", false)); err != nil {
		t.Fatal(err)
	}

	res, err := s.handleListSubscriptions(ctx, call("list_subscriptions", nil))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	for _, want := range []string{`"id": "c1:open"`, `"entity": "tasks"`, `"clientId": "c1"`} {
		if !strings.Contains(text, want) {
			t.Errorf("listing missing %s:\n%s", want, text)
		}
	}

	var req mcpgo.ReadResourceRequest
	req.Params.URI = SubscriptionsURI
	contents, err := s.readSubscriptions(ctx, req)
	if err != nil || len(contents) != 1 {
		t.Fatalf("read resource: %v, %d contents", err, len(contents))
	}
	if tc, ok := contents[0].(mcpgo.TextResourceContents); !ok || !strings.Contains(tc.Text, "c1:open") {
		t.Errorf("resource contents = %#v", contents[0])
	}
}
