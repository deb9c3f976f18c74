package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

type fileConfig struct {
	Backends []Descriptor `toml:"backend"`
}

// ParseConfig decodes a TOML document of [[backend]] tables.
func ParseConfig(data string) ([]Descriptor, error) {
	var cfg fileConfig
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("backend: parse config: %w", err)
	}
	return cfg.Backends, nil
}

// LoadFile reads backend descriptors from a TOML file.
func LoadFile(path string) ([]Descriptor, error) {
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("backend: load %s: %w", path, err)
	}
	return cfg.Backends, nil
}

// Watcher reloads a Registry whenever the backend file changes.
type Watcher struct {
	path     string
	registry *Registry
	logger   *logging.Logger
	debounce time.Duration
}

func NewWatcher(path string, registry *Registry, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{path: path, registry: registry, logger: logger, debounce: 250 * time.Millisecond}
}

// Reload re-reads the file into the registry.
func (w *Watcher) Reload(ctx context.Context) error {
	descs, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	return w.registry.Load(ctx, descs)
}

// Run watches until ctx is done. The parent directory is watched because
// editors and config management usually replace the file rather than write it.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("backend: create watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("backend: watch %s: %w", target, err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Error("backend config reload failed, keeping previous set", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("backend config reloaded", "path", w.path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("backend config watcher error", "error", err)
		}
	}
}
