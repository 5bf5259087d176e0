// Package cli provides the command-line interface for livequery.
// This file re-exports internal packages for embedding the server.
package cli

import (
	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/memsource"
	"github.com/zot/livequery/internal/server"
)

// Re-export server types for embedding
type (
	Server = server.Server
	Engine = engine.Engine
	Source = memsource.Source
	Change = engine.Change
)

// Re-export constructors
var (
	NewServer = server.New
	Inserted  = engine.Inserted
	Updated   = engine.Updated
	Deleted   = engine.Deleted
)
