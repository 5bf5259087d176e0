// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("livequery")

// Config holds all configuration settings for the live-query server.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Registry RegistryConfig `toml:"registry"`
	Engine   EngineConfig   `toml:"engine"`
	Stream   StreamConfig   `toml:"stream"`
	Broker   BrokerConfig   `toml:"broker"`
	Auth     AuthConfig     `toml:"auth"`
	MCP      MCPConfig      `toml:"mcp"`
	Data     DataConfig     `toml:"data"`
	Client   ClientConfig   `toml:"client"`
	Logging  LoggingConfig  `toml:"logging"`

	verbosity atomic.Int32
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Dir  string `toml:"-"` // Config directory (CLI only, not in config file)
}

// StorageConfig selects the subscription registry backend.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// RegistryConfig holds subscription lifetime settings.
type RegistryConfig struct {
	TTL Duration `toml:"ttl"` // Inactivity window before a subscription is pruned
}

// EngineConfig tunes the diff engine.
type EngineConfig struct {
	Workers        int  `toml:"workers"`         // Max subscriptions recomputed in parallel per write
	SkipUnlistened bool `toml:"skip_unlistened"` // Skip recomputation when nobody listens on the channel
}

// StreamConfig holds stream transport settings.
type StreamConfig struct {
	Heartbeat     Duration `toml:"heartbeat"`
	History       int      `toml:"history"`        // Frames kept per client for Last-Event-ID replay
	ClientTimeout Duration `toml:"client_timeout"` // Idle time before a disconnected client's queue is dropped
}

// BrokerConfig selects the fan-out backend.
type BrokerConfig struct {
	Type  string `toml:"type"` // "local", "postgresql"
	URL   string `toml:"url"`
	Topic string `toml:"topic"`
}

// AuthConfig holds bearer credential settings. An empty secret disables auth.
type AuthConfig struct {
	Secret string `toml:"secret"`
}

// MCPConfig enables the MCP tool server on stdio.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// DataConfig configures the built-in entity source.
type DataConfig struct {
	Seed string `toml:"seed"` // YAML file with initial rows per entity
}

// ClientConfig holds settings used by the watch command.
type ClientConfig struct {
	URL       string   `toml:"url"`
	KeepAlive Duration `toml:"keep_alive"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "trace", "debug", "info", "warning", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=connections, 2=messages, 3=deltas, 4=payloads
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "livequery.db",
		},
		Registry: RegistryConfig{
			TTL: Duration(5 * time.Minute),
		},
		Engine: EngineConfig{
			Workers:        8,
			SkipUnlistened: true,
		},
		Stream: StreamConfig{
			Heartbeat:     Duration(45 * time.Second),
			History:       256,
			ClientTimeout: Duration(10 * time.Minute),
		},
		Broker: BrokerConfig{
			Type:  "local",
			Topic: "livequery",
		},
		Client: ClientConfig{
			URL:       "http://127.0.0.1:8080",
			KeepAlive: Duration(time.Minute),
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("livequery", flag.ContinueOnError)
	dir := fs.String("dir", "", "Directory containing config/config.toml")

	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")

	storage := fs.String("storage", "", "Registry storage: memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	ttl := fs.Duration("ttl", 0, "Subscription inactivity window")
	broker := fs.String("broker", "", "Fan-out broker: local, postgresql")
	brokerURL := fs.String("broker-url", "", "Broker connection URL")
	seed := fs.String("seed", "", "YAML seed file for the built-in entity source")
	mcp := fs.Bool("mcp", false, "Serve MCP tools on stdio")
	url := fs.String("url", "", "Server URL (watch command)")

	logLevel := fs.String("log-level", "", "Log level: trace, debug, info, warning, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.loadTOML(ConfigPath(*dir)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *ttl != 0 {
		cfg.Registry.TTL = Duration(*ttl)
	}
	if *broker != "" {
		cfg.Broker.Type = *broker
	}
	if *brokerURL != "" {
		cfg.Broker.URL = *brokerURL
	}
	if *seed != "" {
		cfg.Data.Seed = *seed
	}
	if *mcp {
		cfg.MCP.Enabled = true
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	cfg.Server.Dir = *dir
	cfg.ApplyLogging()

	return cfg, cfg.Validate()
}

// ConfigPath returns the TOML file location for a config directory.
func ConfigPath(dir string) string {
	if dir == "" {
		return "config/config.toml"
	}
	return dir + "/config/config.toml"
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgresql":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Broker.Type {
	case "local", "postgresql":
	default:
		return fmt.Errorf("unknown broker type %q", c.Broker.Type)
	}
	if c.Registry.TTL.Duration() <= 0 {
		return fmt.Errorf("registry ttl must be positive")
	}
	if c.Stream.History < 1 {
		return fmt.Errorf("stream history must be at least 1")
	}
	return nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LIVEQUERY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LIVEQUERY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LIVEQUERY_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("LIVEQUERY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("LIVEQUERY_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("LIVEQUERY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.TTL = Duration(d)
		}
	}
	if v := os.Getenv("LIVEQUERY_BROKER"); v != "" {
		c.Broker.Type = v
	}
	if v := os.Getenv("LIVEQUERY_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("LIVEQUERY_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("LIVEQUERY_SEED"); v != "" {
		c.Data.Seed = v
	}
	if v := os.Getenv("LIVEQUERY_URL"); v != "" {
		c.Client.URL = v
	}
	if v := os.Getenv("LIVEQUERY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVEQUERY_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// ApplyLogging pushes the logging section into the loggo module and the
// verbosity gate used by Log. Safe to call while other goroutines log.
func (c *Config) ApplyLogging() {
	c.verbosity.Store(int32(c.Logging.Verbosity))
	if level, ok := loggo.ParseLevel(c.Logging.Level); ok {
		logger.SetLogLevel(level)
	} else if c.Logging.Level != "" {
		logger.Warningf("unknown log level %q", c.Logging.Level)
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return int(c.verbosity.Load())
}

// Log writes a message when level is within the configured verbosity.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil || level > c.Verbosity() {
		return
	}
	logger.Infof(format, args...)
}
