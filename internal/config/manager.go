package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Manager owns the live configuration. Get returns the current immutable
// value; Reload is the only way it changes, swapping the whole Config
// atomically so readers never observe a partial update.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  hclog.Logger
	watcher *fsnotify.Watcher
	onSwap  func(*Config)
}

// NewManager loads the initial configuration from path (empty for defaults)
func NewManager(path string, logger hclog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger.Named("config"),
	}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current configuration value
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnReload registers a callback invoked after each successful swap
func (m *Manager) OnReload(fn func(*Config)) {
	m.onSwap = fn
}

// Reload re-reads the configuration and swaps it in. A file that fails to
// load or validate leaves the previous configuration in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous config", "error", err)
		return err
	}

	m.current.Store(cfg)
	m.logger.Info("configuration reloaded", "path", m.path)

	if m.onSwap != nil {
		m.onSwap(cfg)
	}
	return nil
}

// Watch reloads the configuration whenever the file changes. No-op when the
// manager was created without a file path.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					m.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	m.logger.Info("watching config file", "path", m.path)
	return nil
}

// Close stops the file watcher
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
