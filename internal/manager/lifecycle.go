package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/google/renameio/v2"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

// reload re-reads configuration and rules. Unless forced it runs at most once
// per debounce interval and only when the rule watcher saw a change. Workers
// are soft-killed so replacements start from the new snapshot.
func (m *Manager) reload(force bool) bool {
	now := m.clock.Now()
	if !force {
		if now.Sub(m.lastReload) < m.settings.ReloadDebounce {
			return false
		}
		m.lastReload = now
		if m.rules == nil || !m.rules.Changed() {
			return false
		}
	}
	m.lastReload = now

	m.logger.Info("reloading configuration", logging.Bool("forced", force))
	m.pool.KillAll(false)

	if m.loadSettings != nil {
		s, err := m.loadSettings()
		if err != nil {
			logging.WarnWithContext(m.logger, "failed to reload configuration, keeping previous settings", "config_reload_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run hotplugd config validate"),
				logging.String(logging.FieldImpact, "previous settings stay in effect"),
			)
		} else {
			m.applySettings(s)
		}
	}
	if m.rules != nil {
		list, err := m.rules.Load()
		if err != nil {
			logging.WarnWithContext(m.logger, "failed to reload rules, keeping previous rules", "rules_reload_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "fix the rules file named in the error"),
				logging.String(logging.FieldImpact, "previous rules stay in effect"),
			)
		} else {
			m.ruleSet = list
		}
	}
	return true
}

func (m *Manager) applySettings(s Settings) {
	if m.childrenMaxOverride > 0 {
		s.ChildrenMax = m.childrenMaxOverride
	}
	// Paths are fixed for the lifetime of the process.
	s.MarkerPath = m.settings.MarkerPath
	m.settings = s
	m.pool.SetMax(s.ChildrenMax)
	m.metrics.SetChildrenMax(s.ChildrenMax)
	m.refreshLogLevel()
}

// exit begins shutdown: sources are stopped through the OnExit hooks, queued
// events are dropped, and every worker is asked to terminate. Workers still
// alive after the shutdown timeout are killed.
func (m *Manager) exit() {
	if m.exiting {
		return
	}
	m.exiting = true
	m.logger.Info("shutting down",
		logging.Int("workers", m.pool.Len()),
		logging.Int("events", m.queue.Len()),
	)
	for _, fn := range m.onExit {
		fn()
	}

	for _, ev := range m.queue.DropQueued() {
		if t, ok := m.timers[ev.Seqnum]; ok {
			t.retry.Stop()
			delete(m.timers, ev.Seqnum)
		}
		m.broadcast(ev.Device, device.OutcomeDropped)
	}
	m.idleTimer.Stop()
	m.pool.KillAll(true)

	m.killTimer = m.reactor.AfterFunc("shutdown-kill", m.settings.ShutdownTimeout, func() {
		if m.pool.Len() == 0 {
			return
		}
		logging.WarnWithContext(m.logger, "workers did not exit in time, killing them", "shutdown_escalated",
			logging.Int("workers", m.pool.Len()),
			logging.String(logging.FieldErrorHint, "look for rule programs that ignore SIGTERM"),
			logging.String(logging.FieldImpact, "in-flight events are abandoned"),
		)
		m.pool.Signal(syscall.SIGKILL)
	})
}

func (m *Manager) setChildrenMax(n int) error {
	if n < 1 {
		return fmt.Errorf("children max must be positive, got %d", n)
	}
	m.childrenMaxOverride = n
	m.settings.ChildrenMax = n
	m.pool.SetMax(n)
	m.metrics.SetChildrenMax(n)
	m.logger.Info("worker limit changed", logging.Int("children_max", n))
	return nil
}

func (m *Manager) refreshLogLevel() {
	if m.levelVar == nil {
		return
	}
	level := logging.ParseLevel(m.settings.LogLevel)
	if m.levelVar.Level() != level {
		m.levelVar.Set(level)
		m.logger.Info("log level applied", logging.String("level", level.String()))
	}
}

func (m *Manager) createMarker() {
	if m.settings.MarkerPath == "" || m.markerPresent {
		return
	}
	if err := renameio.WriteFile(m.settings.MarkerPath, nil, 0o644); err != nil {
		m.logger.Debug("failed to create queue marker", logging.String("path", m.settings.MarkerPath), logging.Error(err))
		return
	}
	m.markerPresent = true
}

func (m *Manager) removeMarker() {
	if m.settings.MarkerPath == "" || !m.markerPresent {
		return
	}
	if err := os.Remove(m.settings.MarkerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("failed to remove queue marker", logging.String("path", m.settings.MarkerPath), logging.Error(err))
		return
	}
	m.markerPresent = false
}

// Reload asks for a configuration and rules reload. Unforced requests are
// subject to the debounce interval and the change indicator.
func (m *Manager) Reload(ctx context.Context, force bool) error {
	return m.reactor.Call(ctx, func() { m.reload(force) })
}

// Exit starts a graceful shutdown. Run returns once it completes.
func (m *Manager) Exit() error {
	return m.reactor.Post(m.exit)
}

// SetChildrenMax changes the worker ceiling. The value survives reloads.
func (m *Manager) SetChildrenMax(ctx context.Context, n int) error {
	var err error
	if callErr := m.reactor.Call(ctx, func() { err = m.setChildrenMax(n) }); callErr != nil {
		return callErr
	}
	return err
}

// StopExecQueue pauses dispatching; events keep queueing.
func (m *Manager) StopExecQueue(ctx context.Context) error {
	return m.reactor.Call(ctx, func() {
		m.execQueueStopped = true
		m.logger.Info("event dispatch paused")
	})
}

// StartExecQueue resumes dispatching.
func (m *Manager) StartExecQueue(ctx context.Context) error {
	return m.reactor.Call(ctx, func() {
		m.execQueueStopped = false
		m.logger.Info("event dispatch resumed")
	})
}

// RefreshLogLevel re-applies the configured log level.
func (m *Manager) RefreshLogLevel() error {
	return m.reactor.Post(m.refreshLogLevel)
}
