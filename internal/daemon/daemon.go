package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"hotplugd/internal/config"
	"hotplugd/internal/device"
	"hotplugd/internal/history"
	"hotplugd/internal/logging"
	"hotplugd/internal/manager"
)

// Controller is the part of the manager the daemon forwards control
// requests to.
type Controller interface {
	Status(ctx context.Context) (manager.Status, error)
	Reload(ctx context.Context, force bool) error
	Exit() error
	SetChildrenMax(ctx context.Context, n int) error
	StopExecQueue(ctx context.Context) error
	StartExecQueue(ctx context.Context) error
}

// Daemon answers control requests for a running instance.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	control  Controller
	history  *history.Store
	runID    string
	started  time.Time
	lockPath string
}

// Status combines manager state with process information.
type Status struct {
	manager.Status
	PID         int       `json:"pid"`
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	LockPath    string    `json:"lock_path"`
	HistoryPath string    `json:"history_path,omitempty"`
}

// New constructs a daemon. history may be nil when outcome recording is off.
func New(cfg *config.Config, control Controller, store *history.Store, runID string, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || control == nil {
		return nil, errors.New("daemon requires config and controller")
	}
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		control:  control,
		history:  store,
		runID:    runID,
		started:  time.Now(),
		lockPath: cfg.LockPath(),
	}, nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	st, err := d.control.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{
		Status:    st,
		PID:       os.Getpid(),
		RunID:     d.runID,
		StartedAt: d.started,
		LockPath:  d.lockPath,
	}
	if d.history != nil {
		out.HistoryPath = d.history.Path()
	}
	return out, nil
}

// History returns recorded outcomes, newest first.
func (d *Daemon) History(ctx context.Context, opts history.ListOptions) ([]history.Record, error) {
	if d.history == nil {
		return nil, errors.New("history store unavailable")
	}
	return d.history.List(ctx, opts)
}

// HistoryStats returns per-outcome totals.
func (d *Daemon) HistoryStats(ctx context.Context) (map[device.Outcome]int, error) {
	if d.history == nil {
		return nil, errors.New("history store unavailable")
	}
	return d.history.Stats(ctx)
}

// Reload asks the manager to reload configuration and rules.
func (d *Daemon) Reload(ctx context.Context, force bool) error {
	d.logger.Info("reload requested", logging.Bool("forced", force))
	return d.control.Reload(ctx, force)
}

// Exit starts a graceful shutdown.
func (d *Daemon) Exit() error {
	d.logger.Info("exit requested")
	return d.control.Exit()
}

// SetChildrenMax changes the worker ceiling.
func (d *Daemon) SetChildrenMax(ctx context.Context, n int) error {
	return d.control.SetChildrenMax(ctx, n)
}

// StopExecQueue pauses event dispatching.
func (d *Daemon) StopExecQueue(ctx context.Context) error {
	return d.control.StopExecQueue(ctx)
}

// StartExecQueue resumes event dispatching.
func (d *Daemon) StartExecQueue(ctx context.Context) error {
	return d.control.StartExecQueue(ctx)
}
