package worker

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"hotplugd/internal/device"
	"hotplugd/internal/rules"
)

// Process is a live worker as seen from the manager.
type Process interface {
	PID() int
	// Send hands a device to an idle worker.
	Send(dev *device.Device) error
	Signal(sig syscall.Signal) error
	// Close releases manager-side resources once the worker is gone.
	Close() error
}

// Spawner starts new worker processes. The first device is delivered as part
// of the spawn.
type Spawner interface {
	Spawn(snap Snapshot, dev *device.Device) (Process, error)
}

// Snapshot is the read-only configuration a worker inherits at spawn time.
// Workers never see later changes; a reload replaces them instead.
type Snapshot struct {
	EventTimeout time.Duration `json:"event_timeout"`
	SysfsRoot    string        `json:"sysfs_root"`
	LogLevel     string        `json:"log_level"`
	LogFormat    string        `json:"log_format"`
	Rules        []rules.Rule  `json:"rules"`
}

// Bootstrap is written to a new worker's stdin.
type Bootstrap struct {
	Snapshot Snapshot       `json:"snapshot"`
	Device   *device.Device `json:"device"`
}

// Exit describes how a worker process ended.
type Exit struct {
	PID        int
	Code       int
	Signal     syscall.Signal
	CoreDumped bool
}

// Clean reports whether the worker exited with status zero.
func (e Exit) Clean() bool {
	return e.Signal == 0 && e.Code == 0
}

func (e Exit) String() string {
	switch {
	case e.Signal != 0 && e.CoreDumped:
		return fmt.Sprintf("killed by %s (core dumped)", unix.SignalName(e.Signal))
	case e.Signal != 0:
		return "killed by " + unix.SignalName(e.Signal)
	default:
		return fmt.Sprintf("exited with status %d", e.Code)
	}
}

// ClassifyExit converts a reaped process state into an Exit.
func ClassifyExit(pid int, state *os.ProcessState) Exit {
	exit := Exit{PID: pid}
	if state == nil {
		exit.Code = -1
		return exit
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal()
		exit.CoreDumped = ws.CoreDump()
		return exit
	}
	exit.Code = state.ExitCode()
	return exit
}
