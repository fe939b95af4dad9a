package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
	"hotplugd/internal/rules"
)

// Receiver yields the devices the manager hands to this worker.
type Receiver interface {
	Receive() (*device.Device, error)
}

// Reporter delivers reports to the manager.
type Reporter interface {
	Notify(Report) error
}

// Runner is the worker side of the protocol: process one device at a time,
// report, then wait for the next.
type Runner struct {
	Snapshot Snapshot
	Rules    *rules.Set
	Receiver Receiver
	Reporter Reporter
	Logger   *slog.Logger
	// Lock defaults to LockDisk.
	Lock func(node string) (*DiskLock, error)
}

// Run processes first, then every device received, until the manager closes
// the channel or ctx ends.
func (r *Runner) Run(ctx context.Context, first *device.Device) error {
	dev := first
	for {
		if dev != nil {
			if err := r.Process(ctx, dev); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		next, err := r.Receiver.Receive()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive device: %w", err)
		}
		dev = next
	}
}

// Process handles one device and sends the reports for it. Only a failure to
// report is returned; rule failures are logged. Rules run to completion even
// if ctx ends meanwhile, bounded only by the event timeout; cancellation is
// honoured between devices.
func (r *Runner) Process(ctx context.Context, dev *device.Device) error {
	logger := r.logger().With(
		logging.Uint64(logging.FieldSeqnum, dev.Seqnum),
		logging.String(logging.FieldAction, dev.Action),
		logging.String(logging.FieldDevPath, dev.DevPath),
	)

	res, retry := r.apply(context.WithoutCancel(ctx), dev, logger)
	if retry {
		logger.Debug("whole disk is locked, asking for retry")
		return r.Reporter.Notify(Report{TryAgain: true})
	}

	switch {
	case dev.Action == device.ActionRemove && dev.DevNode != "":
		if err := r.Reporter.Notify(Report{WatchRemove: true}); err != nil {
			return err
		}
	case res.Watch && dev.DevNode != "":
		if err := r.Reporter.Notify(Report{WatchAdd: true}); err != nil {
			return err
		}
	}
	logger.Debug("device processed", logging.Int("rules_matched", len(res.Matched)))
	return r.Reporter.Notify(Report{Done: true})
}

// apply runs the rules under the whole-disk lock. The lock is released before
// the caller reports completion.
func (r *Runner) apply(ctx context.Context, dev *device.Device, logger *slog.Logger) (rules.Result, bool) {
	if dev.Action != device.ActionRemove {
		disk, err := dev.WholeDisk(r.Snapshot.SysfsRoot)
		if err != nil {
			logger.Debug("whole disk lookup failed", logging.Error(err))
		}
		if disk != "" {
			lockFn := r.Lock
			if lockFn == nil {
				lockFn = LockDisk
			}
			lock, err := lockFn(disk)
			if errors.Is(err, ErrLocked) {
				return rules.Result{}, true
			}
			if err != nil {
				logging.WarnWithContext(logger, "failed to lock whole disk, continuing", "disk_lock_failed",
					logging.String("disk", disk),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check permissions on the device node"),
					logging.String(logging.FieldImpact, "rules may race with partitioning tools"),
				)
			}
			defer lock.Unlock()
		}
	}

	if r.Rules == nil {
		return rules.Result{}, false
	}
	if r.Snapshot.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Snapshot.EventTimeout)
		defer cancel()
	}
	res, err := r.Rules.Apply(ctx, dev, logger)
	if err != nil {
		logger.Debug("rules completed with errors", logging.Error(err))
	}
	return res, false
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.NewNop()
	}
	return r.Logger
}
