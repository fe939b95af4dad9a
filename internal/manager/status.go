package manager

import (
	"context"
	"time"

	"hotplugd/internal/queue"
	"hotplugd/internal/worker"
)

// EventStatus describes one queued or running event.
type EventStatus struct {
	Seqnum    uint64    `json:"seqnum"`
	Action    string    `json:"action"`
	DevPath   string    `json:"devpath"`
	State     string    `json:"state"`
	Worker    int       `json:"worker,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
	RetryNext time.Time `json:"retry_next,omitzero"`
}

// WorkerStatus describes one worker process.
type WorkerStatus struct {
	PID     int       `json:"pid"`
	State   string    `json:"state"`
	Event   uint64    `json:"event,omitempty"`
	Started time.Time `json:"started"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	ChildrenMax      int            `json:"children_max"`
	ExecQueueStopped bool           `json:"exec_queue_stopped"`
	Exiting          bool           `json:"exiting"`
	Rules            int            `json:"rules"`
	Watches          int            `json:"watches"`
	Comparisons      uint64         `json:"comparisons"`
	Events           []EventStatus  `json:"events"`
	Workers          []WorkerStatus `json:"workers"`
}

func (m *Manager) status() Status {
	s := Status{
		ChildrenMax:      m.pool.Max(),
		ExecQueueStopped: m.execQueueStopped,
		Exiting:          m.exiting,
		Rules:            len(m.ruleSet),
		Watches:          len(m.watches),
		Comparisons:      m.queue.Comparisons(),
	}
	for _, ev := range m.queue.Events() {
		s.Events = append(s.Events, eventStatus(ev))
	}
	for _, w := range m.pool.Workers() {
		s.Workers = append(s.Workers, workerStatus(w))
	}
	return s
}

func eventStatus(ev *queue.Event) EventStatus {
	return EventStatus{
		Seqnum:    ev.Seqnum,
		Action:    ev.Action,
		DevPath:   ev.DevPath,
		State:     ev.State.String(),
		Worker:    ev.Worker,
		QueuedAt:  ev.QueuedAt,
		RetryNext: ev.RetryNext,
	}
}

func workerStatus(w *worker.Worker) WorkerStatus {
	return WorkerStatus{PID: w.PID, State: w.State.String(), Event: w.Event, Started: w.Started}
}

// Status returns a snapshot taken on the loop goroutine.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var s Status
	if err := m.reactor.Call(ctx, func() { s = m.status() }); err != nil {
		return Status{}, err
	}
	return s, nil
}
