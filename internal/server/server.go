// Package server wires the live-query engine to its storage, fan-out,
// stream transports and HTTP API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/engine"
	"github.com/zot/livequery/internal/fanout"
	"github.com/zot/livequery/internal/mcp"
	"github.com/zot/livequery/internal/memsource"
	"github.com/zot/livequery/internal/metrics"
	"github.com/zot/livequery/internal/storage"
	"github.com/zot/livequery/internal/stream"
)

// Version is reported by the CLI and the MCP server.
const Version = "0.1.0"

var logger = loggo.GetLogger("livequery.server")

// Server is the live-query server.
type Server struct {
	config       *config.Config
	store        storage.Backend
	hub          *fanout.Hub
	broker       *fanout.PostgresBroker
	source       *memsource.Source
	engine       *engine.Engine
	clients      *stream.ClientManager
	metrics      *metrics.Metrics
	mcpServer    *mcp.Server
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a server from cfg. It opens the registry backend and, when
// configured, the PostgreSQL broker.
func New(cfg *config.Config) (*Server, error) {
	store, err := storage.New(cfg.Storage.Type, cfg.Storage.Path, cfg.Storage.URL, storage.Options{
		TTL: cfg.Registry.TTL.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	source := memsource.New()
	if cfg.Data.Seed != "" {
		if err := source.LoadSeedFile(cfg.Data.Seed); err != nil {
			store.Close()
			return nil, fmt.Errorf("load seed %s: %w", cfg.Data.Seed, err)
		}
		cfg.Log(0, "Loaded seed %s: %v", cfg.Data.Seed, source.Entities())
	} else {
		source.Define("tasks", "id")
	}

	s := &Server{
		config:  cfg,
		store:   store,
		hub:     fanout.NewHub(),
		source:  source,
		metrics: metrics.New(),
		stop:    make(chan struct{}),
	}

	var pub fanout.Publisher = s.hub
	if cfg.Broker.Type == "postgresql" {
		s.broker, err = fanout.NewPostgresBroker(cfg.Broker.URL, cfg.Broker.Topic, s.hub)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open broker: %w", err)
		}
		pub = s.broker
		cfg.Log(0, "Fan-out through PostgreSQL channel %s", cfg.Broker.Topic)
	}

	s.engine = engine.New(store, source, pub, engine.Options{
		Workers:        cfg.Engine.Workers,
		SkipUnlistened: cfg.Engine.SkipUnlistened,
		Metrics:        s.metrics,
		Log:            cfg.Log,
	})
	source.OnChange(s.engine.ItemChanged)

	s.clients = stream.NewClientManager(s.hub, stream.Options{
		History:       cfg.Stream.History,
		Heartbeat:     cfg.Stream.Heartbeat.Duration(),
		ClientTimeout: cfg.Stream.ClientTimeout.Duration(),
		Metrics:       s.metrics,
		Log:           cfg.Log,
	})

	s.httpEndpoint = NewHTTPEndpoint(s.engine, s.source, s.clients, s.metrics, cfg.Auth.Secret, cfg.Log)

	if cfg.MCP.Enabled {
		s.mcpServer = mcp.NewServer(s.engine, s.source, Version)
		cfg.Log(0, "MCP server initialized")
	}
	return s, nil
}

// Start starts the HTTP server and, when enabled, serves MCP on stdio until
// EOF. Without MCP it returns once the listener is up.
func (s *Server) Start() error {
	url, err := s.StartHTTP(s.config.Server.Port)
	if err != nil {
		return err
	}
	s.config.Log(0, "Serving live queries at %s", url)
	if s.mcpServer != nil {
		if err := s.mcpServer.ServeStdio(); err != nil {
			return fmt.Errorf("MCP server error: %v", err)
		}
	}
	return nil
}

// StartHTTP starts the HTTP server on port and returns its base URL. Port 0
// picks a free port.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Shutdown stops the cleanup worker, the HTTP server and the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.clients.Close()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.broker != nil {
		if cerr := s.broker.Close(); cerr != nil {
			logger.Warningf("closing broker: %v", cerr)
		}
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Engine returns the diff engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Source returns the built-in entity source.
func (s *Server) Source() *memsource.Source {
	return s.source
}

// Handler returns the HTTP handler, for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// Cleanup prunes idle subscriptions and drops idle client queues.
func (s *Server) Cleanup(ctx context.Context) {
	pruned, err := s.engine.Sweep(ctx)
	if err != nil {
		logger.Warningf("pruning registry: %v", err)
	} else if pruned > 0 {
		s.config.Log(1, "Pruned %d idle subscriptions", pruned)
	}
	if count := s.clients.CleanupInactive(); count > 0 {
		s.config.Log(1, "Cleaned up %d inactive clients", count)
	}
}

// StartCleanupWorker runs Cleanup every interval until Shutdown.
func (s *Server) StartCleanupWorker(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Cleanup(context.Background())
			}
		}
	}()
}

// Reconfigure applies settings from a reloaded config file. Only logging
// takes effect without a restart.
func (s *Server) Reconfigure(next *config.Config) {
	if next.Storage != s.config.Storage || next.Broker != s.config.Broker || next.Server.Port != s.config.Server.Port {
		logger.Warningf("storage, broker and port changes need a restart")
	}
}
