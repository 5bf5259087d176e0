package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/livequery/internal/query"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcpgo.NewTool("list_subscriptions",
		mcpgo.WithDescription("List registered live queries: id, client, entity, canonical query and last known ids."),
	), s.handleListSubscriptions)

	s.mcp.AddTool(mcpgo.NewTool("put_item",
		mcpgo.WithDescription("Insert or update an item. Subscribers whose query matches receive deltas."),
		mcpgo.WithString("entity", mcpgo.Required(), mcpgo.Description("Entity name, e.g. tasks")),
		mcpgo.WithString("item", mcpgo.Required(), mcpgo.Description("Item as a JSON object, including its key fields")),
		mcpgo.WithString("old_id", mcpgo.Description("Previous key when the update changes the item's key")),
	), s.handlePutItem)

	s.mcp.AddTool(mcpgo.NewTool("delete_item",
		mcpgo.WithDescription("Delete an item by key. Subscribers that had it receive a remove delta."),
		mcpgo.WithString("entity", mcpgo.Required(), mcpgo.Description("Entity name")),
		mcpgo.WithString("id", mcpgo.Required(), mcpgo.Description("Item key; compound keys are comma-joined")),
	), s.handleDeleteItem)
}

func (s *Server) handleListSubscriptions(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	text, err := s.subscriptionsJSON(ctx)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return mcpgo.NewToolResultText(text), nil
}

func (s *Server) handlePutItem(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	entity, err := req.RequireString("entity")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("item")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	var item query.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("item is not a JSON object: %v", err)), nil
	}

	var key query.Key
	if oldID := req.GetString("old_id", ""); oldID != "" {
		key, err = s.source.Rekey(ctx, entity, oldID, item)
	} else {
		key, err = s.source.Put(ctx, entity, item)
	}
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("stored %s %s", entity, key)), nil
}

func (s *Server) handleDeleteItem(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	entity, err := req.RequireString("entity")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if err := s.source.Delete(ctx, entity, id); err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("deleted %s %s", entity, id)), nil
}
