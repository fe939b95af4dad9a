package daemon

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"hotplugd/internal/logging"
)

// ErrAlreadyRunning is returned by AcquireLock when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another hotplugd daemon instance is already running")

// InstanceLock enforces a single running daemon.
type InstanceLock struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

// AcquireLock takes the lock at path without blocking.
func AcquireLock(path string, logger *slog.Logger) (*InstanceLock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	l := &InstanceLock{path: path, lock: lock, logger: logging.NewComponentLogger(logger, "daemon")}
	l.logger.Debug("daemon lock acquired", logging.String("lock", path))
	return l, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release drops the lock.
func (l *InstanceLock) Release() {
	if l == nil {
		return
	}
	if err := l.lock.Unlock(); err != nil {
		l.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"),
			logging.String(logging.FieldImpact, "the next start may report a running instance"),
		)
	}
}
