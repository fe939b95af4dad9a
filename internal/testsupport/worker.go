package testsupport

import (
	"sync"
	"syscall"

	"hotplugd/internal/device"
	"hotplugd/internal/worker"
)

// FakeProcess is an in-memory worker handle that records what the manager
// asked of it.
type FakeProcess struct {
	pid int

	mu       sync.Mutex
	devices  []*device.Device
	signals  []syscall.Signal
	snapshot worker.Snapshot
	sendErr  error
	closed   bool
}

// PID implements worker.Process.
func (p *FakeProcess) PID() int { return p.pid }

// Send implements worker.Process.
func (p *FakeProcess) Send(dev *device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.devices = append(p.devices, dev)
	return nil
}

// Signal implements worker.Process.
func (p *FakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

// Close implements worker.Process.
func (p *FakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FailSends makes every later Send return err.
func (p *FakeProcess) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// Devices returns the seqnums handed to the process, spawn device first.
func (p *FakeProcess) Devices() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.devices))
	for i, d := range p.devices {
		out[i] = d.Seqnum
	}
	return out
}

// Signals returns the signals sent so far.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Snapshot returns the configuration the process was spawned with.
func (p *FakeProcess) Snapshot() worker.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Closed reports whether the manager released the handle.
func (p *FakeProcess) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeSpawner hands out FakeProcesses with increasing pids starting at 100.
type FakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   []*FakeProcess
	err     error
}

// Spawn implements worker.Spawner.
func (s *FakeSpawner) Spawn(snap worker.Snapshot, dev *device.Device) (worker.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.nextPID == 0 {
		s.nextPID = 100
	}
	p := &FakeProcess{pid: s.nextPID, devices: []*device.Device{dev}, snapshot: snap}
	s.nextPID++
	s.procs = append(s.procs, p)
	return p, nil
}

// FailSpawns makes every later Spawn return err; nil restores success.
func (s *FakeSpawner) FailSpawns(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Spawned returns every process created so far.
func (s *FakeSpawner) Spawned() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeProcess(nil), s.procs...)
}

// Process returns the process with the given pid, or nil.
func (s *FakeSpawner) Process(pid int) *FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.pid == pid {
			return p
		}
	}
	return nil
}
