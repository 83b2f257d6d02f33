package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ConfigReloader reloads the configuration file when it changes on disk or
// the process receives SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error

	stopOnce sync.Once
	stop     chan struct{}
}

// NewConfigReloader creates a reloader for path. With an empty path only
// SIGHUP triggers a reload.
func NewConfigReloader(path string, current *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: current,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are noticed.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers fn to run before a reloaded config is
// applied. If fn returns an error the new config is discarded.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := *r.current
	cfg.Logging.RedactHeaders = append([]string(nil), r.current.Logging.RedactHeaders...)
	return &cfg
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.WithField("path", r.path).Info("Configuration file changed, reloading")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop ends file watching and signal handling.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Warn("No configuration file to reload")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	r.mu.RLock()
	old, onReload := r.current, r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(old, next); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	if onReload != nil {
		if err := onReload(old, next); err != nil {
			r.logger.WithError(err).Error("Reload callback failed, keeping current configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()
	r.logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that need a restart to take effect.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if old.Server.ListenAddr != next.Server.ListenAddr {
		return fmt.Errorf("server.listen_addr cannot be changed during hot reload")
	}
	if old.Server.MetadataPath != next.Server.MetadataPath {
		return fmt.Errorf("server.metadata_path cannot be changed during hot reload")
	}
	if old.Backend != next.Backend {
		return fmt.Errorf("backend cannot be changed during hot reload")
	}
	if old.Client.ChunkSize != next.Client.ChunkSize {
		return fmt.Errorf("client.chunk_size cannot be changed during hot reload")
	}
	if old.Tracing != next.Tracing {
		return fmt.Errorf("tracing cannot be changed during hot reload")
	}
	return nil
}
