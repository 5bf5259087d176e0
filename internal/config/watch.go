package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the TOML file at path whenever it changes and hands the
// freshly decoded config to onChange. Only the logging section is applied to
// c itself; other sections need a restart. Blocks until ctx is done.
func (c *Config) Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			next, err := c.reload(path)
			if err != nil {
				logger.Warningf("config reload %s: %v", path, err)
				continue
			}
			c.Logging = next.Logging
			c.ApplyLogging()
			c.Log(1, "Reloaded %s", path)
			if onChange != nil {
				onChange(next)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warningf("config watcher: %v", err)
		}
	}
}

// reload decodes path over a copy of the defaults.
func (c *Config) reload(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	next := DefaultConfig()
	if _, err := toml.DecodeFile(path, next); err != nil {
		return nil, err
	}
	return next, nil
}
