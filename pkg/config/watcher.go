package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the project directory when files under it change.
// Used in local development; in production the push-driven hot reload
// (git pull + reparse) is the trigger instead.
type Watcher struct {
	dir      string
	onChange func(*Project)
	watcher  *fsnotify.Watcher
}

// NewWatcher watches dir and invokes onChange with each successfully
// reloaded project. Parse failures keep the previous config.
func NewWatcher(dir string, onChange func(*Project)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, sub := range []string{"", "agents", "pipelines", "workflows"} {
		path := filepath.Join(dir, sub)
		if err := fw.Add(path); err != nil {
			slog.Debug("Not watching config path", "path", path, "error", err)
		}
	}

	return &Watcher{dir: dir, onChange: onChange, watcher: fw}, nil
}

// Run blocks until ctx is cancelled, debouncing change bursts before
// each reload attempt.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		case <-reload:
			project, err := Load(w.dir)
			if err != nil {
				slog.Error("Config reload failed — keeping previous config", "error", err)
				continue
			}
			slog.Info("Configuration reloaded", "dir", w.dir)
			w.onChange(project)
		}
	}
}
