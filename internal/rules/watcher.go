package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"hotplugd/internal/logging"
)

// ChangeWatcher raises a flag whenever the rules directory or the
// configuration file changes. The manager polls the flag before reloading.
type ChangeWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	dirs    map[string]struct{}
	changed atomic.Bool
	logger  *slog.Logger
}

// NewChangeWatcher watches every file in dirs plus the individual files.
// Files are watched through their parent directory so editors that replace
// the file by rename are still noticed.
func NewChangeWatcher(dirs []string, files []string, logger *slog.Logger) (*ChangeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	cw := &ChangeWatcher{
		watcher: w,
		files:   make(map[string]struct{}),
		dirs:    make(map[string]struct{}),
		logger:  logging.NewComponentLogger(logger, "rules-watcher"),
	}
	watched := make(map[string]struct{})
	add := func(dir string) error {
		if _, ok := watched[dir]; ok {
			return nil
		}
		watched[dir] = struct{}{}
		return w.Add(dir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		cw.dirs[filepath.Clean(dir)] = struct{}{}
		if err := add(filepath.Clean(dir)); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	for _, file := range files {
		if file == "" {
			continue
		}
		cw.files[filepath.Clean(file)] = struct{}{}
		if err := add(filepath.Dir(filepath.Clean(file))); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", file, err)
		}
	}
	return cw, nil
}

// Run consumes filesystem notifications until ctx ends or the watcher is closed.
func (c *ChangeWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return nil
			}
			if c.relevant(ev) {
				c.logger.Debug("configuration change detected",
					logging.String("path", ev.Name),
					logging.String("op", ev.Op.String()),
				)
				c.changed.Store(true)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				c.changed.Store(true)
			}
			c.logger.Warn("rules watcher error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "rules_watch_error"),
				logging.String(logging.FieldErrorHint, "send SIGHUP to force a reload"),
				logging.String(logging.FieldImpact, "rule changes may go unnoticed"),
			)
		}
	}
}

func (c *ChangeWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	if _, ok := c.files[name]; ok {
		return true
	}
	if _, ok := c.dirs[filepath.Dir(name)]; ok {
		return filepath.Ext(name) == ".toml"
	}
	return false
}

// Changed reports whether anything changed since the previous call.
func (c *ChangeWatcher) Changed() bool {
	if c == nil {
		return false
	}
	return c.changed.Swap(false)
}

// Close stops watching.
func (c *ChangeWatcher) Close() error {
	if c == nil {
		return nil
	}
	return c.watcher.Close()
}

// DirSource loads rules from a directory and reports changes through an
// optional ChangeWatcher.
type DirSource struct {
	Dir     string
	Watcher *ChangeWatcher
}

// Load reads the rules directory.
func (s DirSource) Load() ([]Rule, error) {
	return Load(s.Dir)
}

// Changed reports whether the watched files changed since the last call.
func (s DirSource) Changed() bool {
	return s.Watcher.Changed()
}
