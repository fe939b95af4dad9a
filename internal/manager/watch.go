package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
	"hotplugd/internal/queue"
)

// nodeWriteSettle is how long a watched node must stay quiet before a
// synthetic change event is requested. Partitioning tools write in bursts.
const nodeWriteSettle = 500 * time.Millisecond

// NodeWatcher watches device nodes for writes.
type NodeWatcher interface {
	Add(node string) error
	Remove(node string) error
}

type nodeWatch struct {
	devpath string
	disk    string
}

func (m *Manager) addWatch(ev *queue.Event) {
	if ev.DevNode == "" || m.watcher == nil {
		return
	}
	if _, ok := m.watches[ev.DevNode]; !ok {
		if err := m.watcher.Add(ev.DevNode); err != nil {
			m.logger.Debug("failed to watch device node",
				logging.String("node", ev.DevNode),
				logging.Error(err),
			)
			return
		}
	}
	m.watches[ev.DevNode] = nodeWatch{devpath: ev.DevPath, disk: ev.WholeDisk}
	m.logger.Debug("watching device node",
		logging.String("node", ev.DevNode),
		logging.String(logging.FieldDevPath, ev.DevPath),
	)
}

func (m *Manager) removeWatch(ev *queue.Event) {
	if ev.DevNode == "" {
		return
	}
	if _, ok := m.watches[ev.DevNode]; !ok {
		return
	}
	delete(m.watches, ev.DevNode)
	if t, ok := m.nodeTimers[ev.DevNode]; ok {
		t.Stop()
		delete(m.nodeTimers, ev.DevNode)
	}
	if m.watcher != nil {
		if err := m.watcher.Remove(ev.DevNode); err != nil {
			m.logger.Debug("failed to stop watching device node",
				logging.String("node", ev.DevNode),
				logging.Error(err),
			)
		}
	}
}

// handleNodeWrite restarts the settle timer for a watched node.
func (m *Manager) handleNodeWrite(node string) {
	if m.exiting {
		return
	}
	if _, ok := m.watches[node]; !ok {
		return
	}
	t, ok := m.nodeTimers[node]
	if !ok {
		t = m.reactor.NewTimer("node-settle", func() { m.onNodeSettled(node) })
		m.nodeTimers[node] = t
	}
	t.Reset(nodeWriteSettle)
}

// onNodeSettled lets events waiting on the disk run again and asks the
// kernel for a change event so rules see the new contents.
func (m *Manager) onNodeSettled(node string) {
	delete(m.nodeTimers, node)
	w, ok := m.watches[node]
	if !ok || m.exiting {
		return
	}
	if n := m.queue.AssumeUnlocked(w.disk); n > 0 {
		m.logger.Debug("disk released, retrying events", logging.String("disk", w.disk), logging.Int("events", n))
	}
	if err := device.Trigger(m.settings.SysfsRoot, w.devpath, "change"); err != nil {
		logging.WarnWithContext(m.logger, "failed to request change event", "synthetic_change_failed",
			logging.String("node", node),
			logging.String(logging.FieldDevPath, w.devpath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "trigger a change event for the device by hand"),
			logging.String(logging.FieldImpact, "rules do not see the new device contents"),
		)
		return
	}
	m.logger.Debug("requested change event", logging.String("node", node), logging.String(logging.FieldDevPath, w.devpath))
}

// FSNodeWatcher reports writes on device nodes through fsnotify.
type FSNodeWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	nodes   map[string]struct{}
	logger  *slog.Logger
}

// NewFSNodeWatcher creates a watcher with no nodes.
func NewFSNodeWatcher(logger *slog.Logger) (*FSNodeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create node watcher: %w", err)
	}
	return &FSNodeWatcher{
		watcher: w,
		nodes:   make(map[string]struct{}),
		logger:  logging.NewComponentLogger(logger, "node-watcher"),
	}, nil
}

// Add starts watching node.
func (w *FSNodeWatcher) Add(node string) error {
	node = filepath.Clean(node)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.nodes[node]; ok {
		return nil
	}
	if err := w.watcher.Add(node); err != nil {
		return fmt.Errorf("watch %s: %w", node, err)
	}
	w.nodes[node] = struct{}{}
	return nil
}

// Remove stops watching node. Nodes that disappeared are forgotten silently.
func (w *FSNodeWatcher) Remove(node string) error {
	node = filepath.Clean(node)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.nodes[node]; !ok {
		return nil
	}
	delete(w.nodes, node)
	if err := w.watcher.Remove(node); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("unwatch %s: %w", node, err)
	}
	return nil
}

// Run calls onWrite for every write on a watched node until ctx ends or the
// watcher is closed.
func (w *FSNodeWatcher) Run(ctx context.Context, onWrite func(node string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				onWrite(filepath.Clean(ev.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("node watcher error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "node_watch_error"),
				logging.String(logging.FieldImpact, "writes to device nodes may go unnoticed"),
			)
		}
	}
}

// Close stops watching every node.
func (w *FSNodeWatcher) Close() error {
	return w.watcher.Close()
}
