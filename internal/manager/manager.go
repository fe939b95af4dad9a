package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
	"hotplugd/internal/metrics"
	"hotplugd/internal/queue"
	"hotplugd/internal/reactor"
	"hotplugd/internal/rules"
	"hotplugd/internal/worker"
)

// Listener receives every event that reaches a terminal state.
type Listener interface {
	Broadcast(dev *device.Device, outcome device.Outcome)
}

// RuleSource supplies the rule set and reports when it changed on disk.
type RuleSource interface {
	Load() ([]rules.Rule, error)
	Changed() bool
}

// Options wires a Manager to its collaborators. Spawner and Reactor are
// required; everything else may be nil.
type Options struct {
	Settings  Settings
	Spawner   worker.Spawner
	Reactor   *reactor.Reactor
	Rules     RuleSource
	Watcher   NodeWatcher
	Listeners []Listener
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// LevelVar is re-applied from Settings.LogLevel on a log-level refresh.
	LevelVar *slog.LevelVar
	// LoadSettings re-reads the configuration file on reload.
	LoadSettings func() (Settings, error)
	// OnExit runs once when shutdown begins, before queued events are dropped.
	OnExit []func()
}

type eventTimers struct {
	warn  *reactor.Timer
	kill  *reactor.Timer
	retry *reactor.Timer
}

// Manager owns the event queue and the worker pool. All of its state is
// touched only from the reactor goroutine; exported methods that may be
// called from elsewhere post into the reactor.
type Manager struct {
	settings     Settings
	reactor      *reactor.Reactor
	clock        clockwork.Clock
	queue        *queue.Queue
	pool         *worker.Pool
	rules        RuleSource
	ruleSet      []rules.Rule
	watcher      NodeWatcher
	listeners    []Listener
	metrics      *metrics.Metrics
	logger       *slog.Logger
	levelVar     *slog.LevelVar
	loadSettings func() (Settings, error)
	onExit       []func()

	timers     map[uint64]*eventTimers
	watches    map[string]nodeWatch
	nodeTimers map[string]*reactor.Timer
	idleTimer  *reactor.Timer
	killTimer  *reactor.Timer

	childrenMaxOverride int
	lastReload          time.Time
	exiting             bool
	execQueueStopped    bool
	markerPresent       bool
	capacityLog         rate.Sometimes
}

// New builds a manager and loads the initial rule set.
func New(opts Options) (*Manager, error) {
	if opts.Spawner == nil {
		return nil, errors.New("manager: spawner is required")
	}
	if opts.Reactor == nil {
		return nil, errors.New("manager: reactor is required")
	}
	if opts.Settings.ChildrenMax < 1 {
		return nil, fmt.Errorf("manager: children max must be positive, got %d", opts.Settings.ChildrenMax)
	}

	logger := logging.NewComponentLogger(opts.Logger, "manager")
	m := &Manager{
		settings:     opts.Settings,
		reactor:      opts.Reactor,
		clock:        opts.Reactor.Clock(),
		queue:        queue.New(),
		pool:         worker.NewPool(opts.Spawner, opts.Settings.ChildrenMax, opts.Logger),
		rules:        opts.Rules,
		watcher:      opts.Watcher,
		listeners:    opts.Listeners,
		metrics:      opts.Metrics,
		logger:       logger,
		levelVar:     opts.LevelVar,
		loadSettings: opts.LoadSettings,
		onExit:       opts.OnExit,
		timers:       make(map[uint64]*eventTimers),
		watches:      make(map[string]nodeWatch),
		nodeTimers:   make(map[string]*reactor.Timer),
		capacityLog:  rate.Sometimes{First: 1, Interval: time.Minute},
	}
	m.pool.SetClock(m.clock.Now)
	m.idleTimer = m.reactor.NewTimer("idle-workers", m.onIdleTimeout)

	if m.rules != nil {
		list, err := m.rules.Load()
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		m.ruleSet = list
	}
	m.lastReload = m.clock.Now()

	m.markerPresent = true
	m.removeMarker()
	m.metrics.SetChildrenMax(m.settings.ChildrenMax)
	return m, nil
}

// Run drives the reactor until shutdown completes or ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("manager started",
		logging.Int("children_max", m.pool.Max()),
		logging.Int("rules", len(m.ruleSet)),
	)
	err := m.reactor.Run(ctx, m.post)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Done is closed once Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.reactor.Done()
}

// post runs after every batch of handlers. It dispatches queued events and
// reports whether the loop should stop.
func (m *Manager) post() bool {
	defer m.updateMetrics()

	if m.queue.Len() > 0 {
		m.startQueue()
		return false
	}

	m.removeMarker()
	if m.pool.Len() > 0 {
		if !m.exiting && !m.idleTimer.Active() {
			m.idleTimer.Reset(m.settings.IdleWorkerTimeout)
		}
		return false
	}
	if m.exiting {
		m.killTimer.Stop()
		m.logger.Info("shutdown complete")
		return true
	}
	return false
}

func (m *Manager) onIdleTimeout() {
	if m.queue.Len() > 0 || m.pool.Len() == 0 {
		return
	}
	m.logger.Debug("cleaning up idle workers", logging.Int("workers", m.pool.Len()))
	m.pool.KillAll(false)
}

func (m *Manager) broadcast(dev *device.Device, outcome device.Outcome) {
	if dev == nil {
		return
	}
	for _, l := range m.listeners {
		l.Broadcast(dev, outcome)
	}
	m.metrics.Broadcast(dev, outcome)
}

func (m *Manager) updateMetrics() {
	if m.metrics == nil {
		return
	}
	queued, running := m.queue.Counts()
	m.metrics.SetQueue(queued, running)
	counts := make(map[string]int, 4)
	for state, n := range m.pool.Counts() {
		counts[state.String()] = n
	}
	m.metrics.SetWorkers(counts)
	m.metrics.SetComparisons(m.queue.Comparisons())
}

func (m *Manager) snapshot() worker.Snapshot {
	return worker.Snapshot{
		EventTimeout: m.settings.EventTimeout,
		SysfsRoot:    m.settings.SysfsRoot,
		LogLevel:     m.settings.LogLevel,
		LogFormat:    m.settings.LogFormat,
		Rules:        m.ruleSet,
	}
}

// Enqueue hands a device notification to the manager.
func (m *Manager) Enqueue(dev *device.Device) error {
	return m.reactor.Post(func() { m.handleDevice(dev) })
}

// Notify delivers a worker report.
func (m *Manager) Notify(msg worker.Message) error {
	return m.reactor.Post(func() { m.handleNotify(msg) })
}

// WorkerExited delivers the exit status of a reaped worker.
func (m *Manager) WorkerExited(exit worker.Exit) error {
	return m.reactor.Post(func() { m.handleWorkerExit(exit) })
}

// NodeWritten reports a write on a watched device node.
func (m *Manager) NodeWritten(node string) error {
	return m.reactor.Post(func() { m.handleNodeWrite(node) })
}
