package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

// ChannelFD is the descriptor number of the device channel in a worker.
const ChannelFD = 3

// ExecSpawner starts workers by re-executing a binary, normally hotplugd
// itself with the hidden worker subcommand.
type ExecSpawner struct {
	Path           string
	Args           []string
	NotifySocket   string
	HandoffTimeout time.Duration
	// OnExit is called from a background goroutine once a worker is reaped.
	OnExit func(Exit)
	Logger *slog.Logger
}

type execProcess struct {
	pid int
	cmd *exec.Cmd
	ch  *Channel
}

func (p *execProcess) PID() int { return p.pid }

func (p *execProcess) Send(dev *device.Device) error { return p.ch.Send(dev) }

func (p *execProcess) Signal(sig syscall.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Close() error { return p.ch.Close() }

// Spawn starts a worker and hands it snap and dev through stdin.
func (s *ExecSpawner) Spawn(snap Snapshot, dev *device.Device) (Process, error) {
	payload, err := json.Marshal(Bootstrap{Snapshot: snap, Device: dev})
	if err != nil {
		return nil, fmt.Errorf("encode bootstrap: %w", err)
	}
	ch, childEnd, err := NewChannelPair(s.HandoffTimeout)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Env = append(os.Environ(), NotifySocketEnv+"="+s.NotifySocket)
	// Pdeathsig is tied to the forking OS thread, not the daemon process. The
	// runtime only retires threads whose goroutine exits while locked, and
	// Spawn runs on the unlocked reactor goroutine, so in practice it fires
	// when the daemon dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		ch.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	childEnd.Close()

	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
		exit := ClassifyExit(pid, cmd.ProcessState)
		if s.Logger != nil {
			s.Logger.Debug("worker reaped",
				logging.Int(logging.FieldWorkerPID, pid),
				logging.String("status", exit.String()),
			)
		}
		if s.OnExit != nil {
			s.OnExit(exit)
		}
	}()
	return &execProcess{pid: pid, cmd: cmd, ch: ch}, nil
}
