package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"hotplugd/internal/config"
	"hotplugd/internal/daemon"
	"hotplugd/internal/deps"
	"hotplugd/internal/device"
	"hotplugd/internal/history"
	"hotplugd/internal/ipc"
	"hotplugd/internal/logging"
	"hotplugd/internal/manager"
	"hotplugd/internal/metrics"
	"hotplugd/internal/reactor"
	"hotplugd/internal/rules"
	"hotplugd/internal/worker"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath is the file re-read on reload. Empty uses the default lookup.
	ConfigPath string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// ControlSocket overrides the configured control socket path.
	ControlSocket string
	// WorkerPath is the binary started for each worker; empty means this
	// executable. WorkerArgs default to the hidden worker subcommand.
	WorkerPath string
	WorkerArgs []string
}

// Run starts the hotplugd daemon and blocks until it has shut down.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	logger, err := logging.NewFromConfig(cfg, levelVar)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	runID := uuid.NewString()
	logger = logger.With(logging.String(logging.FieldRunID, runID))

	lock, err := daemon.AcquireLock(cfg.LockPath(), logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	settings, err := manager.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		logger.Error("open history store", logging.Error(err))
		return err
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	recorder := history.NewRecorder(store, runID, clock, logger)
	mets := metrics.New()

	notify, err := worker.ListenNotify(cfg.NotifySocketPath())
	if err != nil {
		return err
	}
	defer notify.Close()

	ruleWatcher, err := rules.NewChangeWatcher([]string{cfg.Paths.RulesDir}, configFiles(opts.ConfigPath), logger)
	if err != nil {
		return err
	}
	defer ruleWatcher.Close()

	nodeWatcher, err := manager.NewFSNodeWatcher(logger)
	if err != nil {
		return err
	}
	defer nodeWatcher.Close()

	spawner, err := newSpawner(cfg, opts, logger)
	if err != nil {
		return err
	}

	var mgr *manager.Manager
	monitor := daemon.NewUEventMonitor(func(dev *device.Device) error {
		return mgr.Enqueue(dev)
	}, cfg.Manager.Subsystems, logger)
	spawner.OnExit = func(exit worker.Exit) {
		if err := mgr.WorkerExited(exit); err != nil && !errors.Is(err, reactor.ErrStopped) {
			logger.Warn("failed to deliver worker exit", logging.Int(logging.FieldWorkerPID, exit.PID), logging.Error(err))
		}
	}

	mgr, err = manager.New(manager.Options{
		Settings:  settings,
		Spawner:   spawner,
		Reactor:   reactor.New(clock),
		Rules:     rules.DirSource{Dir: cfg.Paths.RulesDir, Watcher: ruleWatcher},
		Watcher:   nodeWatcher,
		Listeners: []manager.Listener{recorder},
		Metrics:   mets,
		Logger:    logger,
		LevelVar:  levelVar,
		LoadSettings: func() (manager.Settings, error) {
			return reloadSettings(opts.ConfigPath, opts.LogLevel)
		},
		OnExit: []func(){monitor.Stop},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	d, err := daemon.New(cfg, mgr, store, runID, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(cmdCtx))
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	socketPath := opts.ControlSocket
	if socketPath == "" {
		socketPath = cfg.ControlSocketPath()
	}
	ipcServer, err := ipc.NewServer(gctx, socketPath, d, cfg.LogPath(), logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := monitor.Start(gctx); err != nil {
		return err
	}
	defer monitor.Stop()

	g.Go(func() error {
		// The manager drains its workers before returning, so it runs
		// detached from gctx and everything else stops after it.
		defer stop()
		return mgr.Run(context.Background())
	})
	g.Go(func() error {
		return notify.Serve(gctx, logger, func(msg worker.Message) {
			_ = mgr.Notify(msg)
		})
	})
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return ruleWatcher.Run(gctx) })
	g.Go(func() error {
		return nodeWatcher.Run(gctx, func(node string) {
			_ = mgr.NodeWritten(node)
		})
	})
	if addr := cfg.Metrics.Listen; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, mets.Handler(), logger) })
	}
	g.Go(func() error { return handleSignals(cmdCtx, gctx, mgr, logger) })

	warnMissingPrograms(cfg.Paths.RulesDir, logger)
	logger.Info("hotplugd daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.Int("children_max", settings.ChildrenMax),
		logging.String("rules_dir", cfg.Paths.RulesDir),
	)

	err = g.Wait()
	if dropped := recorder.Dropped(); dropped > 0 {
		logger.Warn("history records were dropped",
			logging.Uint64("dropped", dropped),
			logging.String(logging.FieldEventType, "history_dropped"),
			logging.String(logging.FieldImpact, "the outcome history is incomplete for this run"),
		)
	}
	logger.Info("hotplugd daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return err
}

// sigLogLevel is SIGRTMIN+18 as numbered by glibc, which reserves the first
// two real-time signals.
const sigLogLevel = syscall.Signal(34 + 18)

// handleSignals turns process signals into manager requests. Leaving the
// command context behaves like SIGTERM.
func handleSignals(cmdCtx, ctx context.Context, mgr *manager.Manager, logger *slog.Logger) error {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, sigLogLevel)
	defer signal.Stop(sigs)

	exit := func() {
		if err := mgr.Exit(); err != nil && !errors.Is(err, reactor.ErrStopped) {
			logger.Warn("failed to request shutdown", logging.Error(err))
		}
	}

	cmdDone := cmdCtx.Done()
	for {
		select {
		case <-ctx.Done():
			exit()
			return nil
		case <-cmdDone:
			cmdDone = nil
			exit()
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("reloading on SIGHUP")
				if err := mgr.Reload(ctx, true); err != nil {
					logger.Warn("reload failed", logging.Error(err))
				}
			case sigLogLevel:
				if err := mgr.RefreshLogLevel(); err != nil {
					logger.Warn("log level refresh failed", logging.Error(err))
				}
			default:
				logger.Info("shutting down", logging.String("signal", sig.String()))
				exit()
			}
		}
	}
}

// warnMissingPrograms logs rule programs that are not on PATH. Rule load
// errors are reported by the manager itself.
func warnMissingPrograms(dir string, logger *slog.Logger) {
	list, err := rules.Load(dir)
	if err != nil {
		return
	}
	for _, m := range deps.Missing(deps.CheckBinaries(deps.RuleRequirements(list))) {
		logger.Warn("rule program not found",
			logging.String("rule", m.Rule),
			logging.String("program", m.Command),
			logging.String(logging.FieldEventType, "rule_program_missing"),
			logging.String(logging.FieldErrorHint, "install the program or fix the rule"),
			logging.String(logging.FieldImpact, "matching devices will report a rule failure"),
		)
	}
}

func newSpawner(cfg *config.Config, opts Options, logger *slog.Logger) (*worker.ExecSpawner, error) {
	path := opts.WorkerPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		path = exe
	}
	args := opts.WorkerArgs
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return &worker.ExecSpawner{
		Path:           path,
		Args:           args,
		NotifySocket:   cfg.NotifySocketPath(),
		HandoffTimeout: cfg.HandoffTimeout(),
		Logger:         logger,
	}, nil
}

func reloadSettings(configPath, levelOverride string) (manager.Settings, error) {
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return manager.Settings{}, err
	}
	if levelOverride != "" {
		cfg.Logging.Level = levelOverride
	}
	return manager.SettingsFromConfig(cfg)
}

func configFiles(configPath string) []string {
	if configPath == "" {
		resolved, err := config.DefaultConfigPath()
		if err != nil {
			return nil
		}
		configPath = resolved
	}
	return []string{configPath}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return renameio.WriteFile(path, []byte(value), 0o644)
}
