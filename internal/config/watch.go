package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a trap config file when it changes on disk. The engine
// itself never mutates a running config; the callback is expected to build
// a fresh engine from the new value.
type Watcher struct {
	path     string
	log      *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(TrapConfig)
}

// NewWatcher watches the directory holding path so editors that replace the
// file via rename are still seen.
func NewWatcher(path string, debounce time.Duration, onChange func(TrapConfig), log *logrus.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{path: abs, log: log, watcher: w, debounce: debounce, onChange: onChange}, nil
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.path).Info("Watching trap config")
	defer w.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Config watcher stopping")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadTrapConfig(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Warn("Ignoring invalid trap config change")
		return
	}
	w.log.WithFields(logrus.Fields{
		"path":     w.path,
		"services": len(cfg.EnabledServices()),
	}).Info("Trap config changed")
	w.onChange(cfg)
}
