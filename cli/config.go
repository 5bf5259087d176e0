// Package cli provides the command-line interface for livequery.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/livequery/internal/config"
)

// Re-export config types for public API
type (
	Config         = config.Config
	ServerConfig   = config.ServerConfig
	StorageConfig  = config.StorageConfig
	RegistryConfig = config.RegistryConfig
	EngineConfig   = config.EngineConfig
	StreamConfig   = config.StreamConfig
	BrokerConfig   = config.BrokerConfig
	LoggingConfig  = config.LoggingConfig
	Duration       = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
