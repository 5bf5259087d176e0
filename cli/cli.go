// Package cli provides the command-line interface for livequery.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/server"
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "watch":
		return runWatch(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	srv.StartCleanupWorker(cleanupInterval(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := config.ConfigPath(cfg.Server.Dir)
	if _, err := os.Stat(path); err == nil {
		go func() {
			if err := cfg.Watch(ctx, path, srv.Reconfigure); err != nil {
				cfg.Log(0, "Not watching %s: %v", path, err)
			}
		}()
	}

	code := 0
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		code = 1
	} else if !cfg.MCP.Enabled {
		<-ctx.Done()
	}

	cfg.Log(0, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
	}
	return code
}

// cleanupInterval sweeps twice per TTL, at most once a minute.
func cleanupInterval(cfg *config.Config) time.Duration {
	return min(cfg.Registry.TTL.Duration()/2, time.Minute)
}

func printHelp(hooks *Hooks) {
	fmt.Println(`Live Query Server

Usage: livequery [command] [options]

Commands:
  serve           Start the live-query server (default)
  watch           Subscribe to a query and print every snapshot
  help            Show this help
  version         Show the version

Server Options:
  --host          Listen address (default: 0.0.0.0)
  --port          Listen port (default: 8080)
  --storage       Registry storage: memory, sqlite, postgresql (default: memory)
  --storage-path  SQLite database path
  --storage-url   PostgreSQL connection URL
  --ttl           Subscription inactivity window (default: 5m)
  --broker        Fan-out broker: local, postgresql (default: local)
  --broker-url    Broker connection URL
  --seed          YAML seed file for the built-in entity source
  --mcp           Serve MCP tools on stdio
  --log-level     Log level: trace, debug, info, warning, error
  --dir           Directory containing config/config.toml
  -v, -vv, -vvv   Verbosity

Watch Options:
  --url           Server URL (default: http://127.0.0.1:8080)
  --token         Bearer token
  --client-id     Client id (default: random)
  --where         Condition field=value or field<op>value, repeatable
  --script        Lua filter expression
  --sort          Sort field, prefix with - for descending, repeatable
  --key           Key fields, comma separated (default: id)

Examples:
  livequery serve --port 8080 --seed tasks.yaml
  livequery serve --storage sqlite --storage-path registry.db -vv
  livequery watch tasks --where completed=false --sort -priority`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("livequery v" + server.Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
