package worker_test

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"hotplugd/internal/device"
	"hotplugd/internal/worker"
)

func spawnShell(t *testing.T, script string) (worker.Process, <-chan worker.Exit) {
	t.Helper()
	exits := make(chan worker.Exit, 1)
	spawner := &worker.ExecSpawner{
		Path:           "/bin/sh",
		Args:           []string{"-c", script},
		NotifySocket:   filepath.Join(t.TempDir(), "notify"),
		HandoffTimeout: time.Second,
		OnExit:         func(exit worker.Exit) { exits <- exit },
	}
	proc, err := spawner.Spawn(worker.Snapshot{}, &device.Device{Seqnum: 1, Action: device.ActionAdd, DevPath: "/devices/virtual/net/lo"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { proc.Close() })
	return proc, exits
}

func waitExit(t *testing.T, exits <-chan worker.Exit) worker.Exit {
	t.Helper()
	select {
	case exit := <-exits:
		return exit
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not reaped")
		return worker.Exit{}
	}
}

func TestExecSpawnerReportsExitStatus(t *testing.T) {
	proc, exits := spawnShell(t, "exit 3")
	exit := waitExit(t, exits)
	if exit.PID != proc.PID() || exit.Code != 3 || exit.Clean() {
		t.Fatalf("unexpected exit: %+v", exit)
	}
}

func TestExecSpawnerReportsSignal(t *testing.T) {
	proc, exits := spawnShell(t, "exec sleep 5")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	exit := waitExit(t, exits)
	if exit.Signal != syscall.SIGTERM {
		t.Fatalf("expected SIGTERM exit, got %+v", exit)
	}
}
