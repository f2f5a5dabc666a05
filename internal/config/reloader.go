package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the new configuration after a reload.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration on file changes and on SIGHUP.
// Only settings that can change without restarting the key or storage layers are accepted.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader. With an empty path only SIGHUP triggers a reload.
func NewConfigReloader(path string, current *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
		current: current,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so atomic renames by editors and config management are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function called after each successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// Start blocks, processing reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				debounce = time.After(50 * time.Millisecond)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-debounce:
			debounce = nil
			r.reload("file change")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop ends the reload loop and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	logger := r.logger.WithField("trigger", trigger)

	next, err := readConfig(r.path)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		logger.WithError(err).Error("Config reload rejected")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.mu.Unlock()
		logger.WithError(err).Error("Config reload rejected")
		return
	}
	r.current = next
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		if err := cb(old, next); err != nil {
			logger.WithError(err).Error("Config reload callback failed")
			return
		}
	}
	logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes to settings bound at startup.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	var errs []error
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			errs = append(errs, fmt.Errorf("%s cannot be changed during hot reload", name))
		}
	}

	check("kms.provider", old.KMS.Provider, next.KMS.Provider)
	check("kms.master_key", old.KMS.MasterKey, next.KMS.MasterKey)
	check("kms.key_id", old.KMS.KeyID, next.KMS.KeyID)
	check("kms.local_secret", old.KMS.LocalSecret, next.KMS.LocalSecret)
	check("documents.algorithm", old.Documents.Algorithm, next.Documents.Algorithm)
	check("documents.supported_algorithms", old.Documents.SupportedAlgorithms, next.Documents.SupportedAlgorithms)
	check("backend.provider", old.Backend.Provider, next.Backend.Provider)
	check("backend.bucket", old.Backend.Bucket, next.Backend.Bucket)
	check("auth.jwt_secret", old.Auth.JWTSecret, next.Auth.JWTSecret)

	return errors.Join(errs...)
}
