// Package mcp exposes the live-query server to MCP clients: inspect the
// subscription registry and write items through the entity source so their
// deltas reach subscribers.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/juju/loggo"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/memsource"
)

var logger = loggo.GetLogger("livequery.mcp")

// SubscriptionsURI is the resource listing registered subscriptions.
const SubscriptionsURI = "livequery://subscriptions"

// Server wires MCP tools to the engine and entity source.
type Server struct {
	engine *engine.Engine
	source *memsource.Source
	mcp    *mcpserver.MCPServer
}

// NewServer creates an MCP server with the livequery tools registered.
func NewServer(eng *engine.Engine, source *memsource.Source, version string) *Server {
	s := &Server{
		engine: eng,
		source: source,
		mcp: mcpserver.NewMCPServer("livequery", version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.mcp.AddResource(
		mcpgo.NewResource(SubscriptionsURI, "Subscriptions",
			mcpgo.WithResourceDescription("Registered live queries with their last known ids"),
			mcpgo.WithMIMEType("application/json"),
		),
		s.readSubscriptions,
	)
	return s
}

// MCPServer returns the underlying server, for transports other than stdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP over stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	logger.Infof("serving MCP on stdio")
	return mcpserver.ServeStdio(s.mcp)
}

func (s *Server) readSubscriptions(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
	text, err := s.subscriptionsJSON(ctx)
	if err != nil {
		return nil, err
	}
	return []mcpgo.ResourceContents{
		mcpgo.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}

// subscriptionSummary is the MCP view of a registry record.
type subscriptionSummary struct {
	ID       string   `json:"id"`
	ClientID string   `json:"clientId"`
	Entity   string   `json:"entity"`
	Query    string   `json:"query"`
	LastIDs  []string `json:"lastIds"`
	LastUsed string   `json:"lastUsed"`
}

func (s *Server) subscriptionsJSON(ctx context.Context) (string, error) {
	recs, err := s.engine.Subscriptions(ctx)
	if err != nil {
		return "", err
	}
	out := make([]subscriptionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, subscriptionSummary{
			ID:       rec.ID,
			ClientID: rec.ClientID,
			Entity:   rec.Entity,
			Query:    rec.Query.Canonical(),
			LastIDs:  rec.LastIDs,
			LastUsed: rec.LastUsed.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
