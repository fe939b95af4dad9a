package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

// UEventMonitor reads kernel uevents from the netlink socket and hands them
// to the manager.
type UEventMonitor struct {
	logger  *slog.Logger
	enqueue func(*device.Device) error
	matcher netlink.Matcher

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewUEventMonitor creates a monitor that passes every kernel uevent, or
// only those matching subsystems when any are given, to enqueue.
func NewUEventMonitor(enqueue func(*device.Device) error, subsystems []string, logger *slog.Logger) *UEventMonitor {
	return &UEventMonitor{
		logger:  logging.NewComponentLogger(logger, "uevent-monitor"),
		enqueue: enqueue,
		matcher: buildMatcher(subsystems),
	}
}

// buildMatcher returns nil, which go-udev treats as match-all, when no
// subsystem filter is configured.
func buildMatcher(subsystems []string) netlink.Matcher {
	if len(subsystems) == 0 {
		return nil
	}
	rules := &netlink.RuleDefinitions{}
	for _, subsystem := range subsystems {
		rules.AddRule(netlink.RuleDefinition{
			Env: map[string]string{"SUBSYSTEM": "^" + subsystem + "$"},
		})
	}
	return rules
}

// Start connects to the kernel uevent multicast group and begins reading.
// Without the socket the daemon has nothing to do, so failure is returned.
func (m *UEventMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		return fmt.Errorf("connect uevent socket: %w", err)
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("uevent monitor started",
		logging.String(logging.FieldEventType, "uevent_monitor_started"),
	)
	return nil
}

// Stop shuts down the monitor.
func (m *UEventMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	_ = m.conn.Close()
	m.conn = nil
	m.running = false

	m.logger.Info("uevent monitor stopped",
		logging.String(logging.FieldEventType, "uevent_monitor_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *UEventMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *UEventMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.matcher)

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			if !m.handleEvent(uevent) {
				close(monitorQuit)
				return
			}
		case err := <-errs:
			m.logger.Warn("uevent monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "uevent_monitor_error"),
				logging.String(logging.FieldErrorHint, "raise net.core.rmem_max if the kernel reports buffer overruns"),
				logging.String(logging.FieldImpact, "device events may have been lost"),
			)
		}
	}
}

// handleEvent converts and enqueues one uevent. It returns false once the
// manager no longer accepts events.
func (m *UEventMonitor) handleEvent(uevent netlink.UEvent) bool {
	dev, err := device.FromUEvent(uevent)
	if err != nil {
		m.logger.Warn("ignoring malformed uevent",
			logging.Error(err),
			logging.String(logging.FieldAction, string(uevent.Action)),
			logging.String(logging.FieldDevPath, uevent.KObj),
			logging.String(logging.FieldEventType, "uevent_malformed"),
			logging.String(logging.FieldImpact, "event dropped"),
		)
		return true
	}
	if m.enqueue == nil {
		return true
	}
	if err := m.enqueue(dev); err != nil {
		m.logger.Debug("manager stopped accepting events", logging.Error(err))
		return false
	}
	return true
}
