package worker

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a worker process as seen by the manager.
type State int

const (
	// Running workers hold exactly one event.
	Running State = iota
	// Idle workers wait for the next device.
	Idle
	// Killing workers finish their current event and are then terminated.
	Killing
	// Killed workers were signalled and are waiting to be reaped.
	Killed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Idle:
		return "idle"
	case Killing:
		return "killing"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Worker is the manager's record of one worker process.
type Worker struct {
	PID   int
	State State
	// Event is the seqnum of the attached event, 0 when none.
	Event   uint64
	Started time.Time

	proc Process
}

// Process returns the handle used to talk to the worker.
func (w *Worker) Process() Process {
	return w.proc
}
