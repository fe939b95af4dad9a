package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

var (
	// ErrNoCapacity means every worker is busy and the ceiling is reached.
	ErrNoCapacity = errors.New("worker limit reached")
	// ErrUnknownWorker is returned for a pid the pool does not track.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Pool tracks worker processes and hands devices to them. Like the queue it
// is owned by the manager loop and is not safe for concurrent use.
type Pool struct {
	spawner Spawner
	max     int
	workers map[int]*Worker
	logger  *slog.Logger
	now     func() time.Time
}

// NewPool returns an empty pool that spawns through spawner and never holds
// more than max workers.
func NewPool(spawner Spawner, max int, logger *slog.Logger) *Pool {
	return &Pool{
		spawner: spawner,
		max:     max,
		workers: make(map[int]*Worker),
		logger:  logging.NewComponentLogger(logger, "worker-pool"),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for Worker.Started.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// Dispatch gives dev to an idle worker, spawning one when none is idle and the
// ceiling allows. An idle worker that refuses the device is killed and the
// next one is tried. ErrNoCapacity means the event must stay queued.
func (p *Pool) Dispatch(snap Snapshot, dev *device.Device) (*Worker, error) {
	for _, w := range p.Workers() {
		if w.State != Idle {
			continue
		}
		if err := w.proc.Send(dev); err != nil {
			logging.WarnWithContext(p.logger, "worker did not accept device, killing it", "worker_send_failed",
				logging.Int(logging.FieldWorkerPID, w.PID),
				logging.Uint64(logging.FieldSeqnum, dev.Seqnum),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the worker log for a crash"),
				logging.String(logging.FieldImpact, "device handed to another worker"),
			)
			_ = w.proc.Signal(syscall.SIGKILL)
			w.State = Killed
			continue
		}
		w.State = Running
		w.Event = dev.Seqnum
		return w, nil
	}

	if len(p.workers) >= p.max {
		return nil, ErrNoCapacity
	}

	proc, err := p.spawner.Spawn(snap, dev)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	w := &Worker{
		PID:     proc.PID(),
		State:   Running,
		Event:   dev.Seqnum,
		Started: p.now(),
		proc:    proc,
	}
	p.workers[w.PID] = w
	p.logger.Debug("worker spawned",
		logging.Int(logging.FieldWorkerPID, w.PID),
		logging.Uint64(logging.FieldSeqnum, dev.Seqnum),
	)
	return w, nil
}

// Release detaches the event from a worker that finished it. A worker that
// was asked to stop while busy is terminated now; others become idle.
func (p *Pool) Release(w *Worker) {
	w.Event = 0
	switch w.State {
	case Killing:
		p.Terminate(w, syscall.SIGTERM)
	case Killed:
	default:
		w.State = Idle
	}
}

// Terminate sends sig followed by SIGCONT and marks the worker killed.
func (p *Pool) Terminate(w *Worker, sig syscall.Signal) {
	if err := w.proc.Signal(sig); err != nil {
		p.logger.Debug("signal worker failed",
			logging.Int(logging.FieldWorkerPID, w.PID),
			logging.String("signal", sig.String()),
			logging.Error(err),
		)
	}
	if sig != syscall.SIGKILL && sig != syscall.SIGCONT {
		_ = w.proc.Signal(syscall.SIGCONT)
	}
	w.State = Killed
}

// KillAll asks every worker to stop. Without force, running workers finish
// their event first.
func (p *Pool) KillAll(force bool) {
	for _, w := range p.Workers() {
		switch {
		case w.State == Killed:
		case w.State == Running && !force:
			w.State = Killing
		default:
			p.Terminate(w, syscall.SIGTERM)
		}
	}
}

// Signal sends sig to every worker still tracked, without changing state.
func (p *Pool) Signal(sig syscall.Signal) {
	for _, w := range p.workers {
		_ = w.proc.Signal(sig)
	}
}

// Get returns the worker with the given pid.
func (p *Pool) Get(pid int) (*Worker, bool) {
	w, ok := p.workers[pid]
	return w, ok
}

// Remove forgets a reaped worker and releases its handle.
func (p *Pool) Remove(pid int) (*Worker, error) {
	w, ok := p.workers[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrUnknownWorker, pid)
	}
	delete(p.workers, pid)
	if err := w.proc.Close(); err != nil {
		p.logger.Debug("close worker handle", logging.Int(logging.FieldWorkerPID, pid), logging.Error(err))
	}
	return w, nil
}

// Len returns the number of tracked workers in any state.
func (p *Pool) Len() int {
	return len(p.workers)
}

// Max returns the worker ceiling.
func (p *Pool) Max() int {
	return p.max
}

// SetMax changes the ceiling. Existing workers above the new ceiling are left
// alone and simply not replaced.
func (p *Pool) SetMax(n int) {
	p.max = n
}

// Workers returns the tracked workers ordered by pid.
func (p *Pool) Workers() []*Worker {
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Counts returns the number of workers per state.
func (p *Pool) Counts() map[State]int {
	counts := make(map[State]int, 4)
	for _, w := range p.workers {
		counts[w.State]++
	}
	return counts
}
