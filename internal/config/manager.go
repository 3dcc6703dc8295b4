package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one applied change to a watched config file.
type ChangeEvent struct {
	File      string
	Action    string // initial_load, create, modify, delete, programmatic_set
	Config    map[string]interface{}
	Timestamp time.Time
}

// ChangeHandler reacts to an applied change.
type ChangeHandler func(event ChangeEvent) error

// Validator vets a parsed config file before it is applied.
type Validator func(map[string]interface{}) error

// ConfigManager watches a directory of YAML/JSON files and fans parsed
// contents out to registered handlers. A version that fails its validator
// is rejected and the previous one stays in effect.
type ConfigManager struct {
	dir    string
	logger *zap.Logger

	mu         sync.RWMutex
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	started    bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewConfigManager creates a manager over dir, creating the directory if
// needed.
func NewConfigManager(dir string, logger *zap.Logger) (*ConfigManager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		dir:        dir,
		logger:     logger,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]Validator),
		watcher:    watcher,
		stopCh:     make(chan struct{}),
	}, nil
}

// RegisterHandler subscribes a handler to changes of one file.
func (cm *ConfigManager) RegisterHandler(filename string, h ChangeHandler) {
	cm.mu.Lock()
	cm.handlers[filename] = append(cm.handlers[filename], h)
	cm.mu.Unlock()
}

// RegisterValidator installs the validator run against every new version
// of the file. One validator per file; a later registration replaces it.
func (cm *ConfigManager) RegisterValidator(filename string, v Validator) {
	cm.mu.Lock()
	cm.validators[filename] = v
	cm.mu.Unlock()
}

// GetConfig returns a copy of the current contents of one file.
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg, ok := cm.configs[filename]
	if !ok {
		return nil, false
	}
	return copyMap(cfg), true
}

// Start loads the directory's current files and begins watching for
// changes. Calling it twice is a no-op.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cm.dir, err)
	}

	entries, err := os.ReadDir(cm.dir)
	if err != nil {
		return fmt.Errorf("failed to read config directory: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !watchable(e.Name()) {
			continue
		}
		if err := cm.loadFile(filepath.Join(cm.dir, e.Name()), "initial_load"); err != nil {
			return err
		}
		loaded++
	}

	go cm.watch()

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.dir),
		zap.Int("loaded_configs", loaded))
	return nil
}

// Stop ends the watch.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	cm.started = false
	close(cm.stopCh)
	return cm.watcher.Close()
}

// SetConfig applies a configuration directly, bypassing the filesystem.
// Validation and handler dispatch match the file path; tests and
// programmatic reconfiguration use it.
func (cm *ConfigManager) SetConfig(filename string, cfg map[string]interface{}) error {
	return cm.apply(filename, "programmatic_set", cfg)
}

func (cm *ConfigManager) watch() {
	for {
		select {
		case <-cm.stopCh:
			return
		case ev, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleEvent(ev)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleEvent(ev fsnotify.Event) {
	if !watchable(ev.Name) {
		return
	}
	name := filepath.Base(ev.Name)

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		cm.remove(name)
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		// Editors write in bursts; let the file settle before reading.
		time.Sleep(50 * time.Millisecond)
		action := "modify"
		if ev.Op.Has(fsnotify.Create) {
			action = "create"
		}
		if err := cm.loadFile(ev.Name, action); err != nil {
			cm.logger.Error("Config reload rejected",
				zap.String("file", name),
				zap.Error(err))
		}
	}
}

// loadFile parses, validates and applies one file.
func (cm *ConfigManager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	filename := filepath.Base(path)
	cfg, err := parseConfig(filename, data)
	if err != nil {
		return err
	}
	return cm.apply(filename, action, cfg)
}

// apply validates, stores and fans out one new config version.
func (cm *ConfigManager) apply(filename, action string, cfg map[string]interface{}) error {
	cm.mu.RLock()
	validate := cm.validators[filename]
	cm.mu.RUnlock()
	if validate != nil {
		if err := validate(cfg); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cm.mu.Lock()
	cm.configs[filename] = copyMap(cfg)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()

	cm.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    copyMap(cfg),
		Timestamp: time.Now(),
	})

	cm.logger.Info("Configuration applied",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(cfg)))
	return nil
}

// remove drops a deleted file's entry and hands the last known contents to
// the handlers. Files that were never loaded are ignored.
func (cm *ConfigManager) remove(filename string) {
	cm.mu.Lock()
	last, known := cm.configs[filename]
	delete(cm.configs, filename)
	handlers := append([]ChangeHandler(nil), cm.handlers[filename]...)
	cm.mu.Unlock()
	if !known {
		return
	}

	cm.logger.Info("Configuration file removed", zap.String("file", filename))
	cm.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    last,
		Timestamp: time.Now(),
	})
}

// notify runs handlers off the caller's goroutine so a slow handler cannot
// stall the watch loop.
func (cm *ConfigManager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Config handler failed",
					zap.String("file", event.File),
					zap.String("action", event.Action),
					zap.Error(err))
			}
		}()
	}
}

// parseConfig decodes file contents by extension.
func parseConfig(filename string, data []byte) (map[string]interface{}, error) {
	cfg := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format for %s", filename)
	}
	return cfg, nil
}

func watchable(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
