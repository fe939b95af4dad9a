package manager

import (
	"errors"

	"hotplugd/internal/logging"
	"hotplugd/internal/queue"
	"hotplugd/internal/worker"
)

// startQueue is the dispatch pass: every queued event that nothing blocks is
// handed to a worker, oldest first, until the pool runs out of room.
func (m *Manager) startQueue() {
	if m.queue.Len() == 0 || m.exiting || m.execQueueStopped {
		return
	}
	m.idleTimer.Stop()
	m.reload(false)

	now := m.clock.Now()
	for _, ev := range m.queue.Events() {
		if ev.State != queue.Queued {
			continue
		}
		blocked, err := m.queue.IsBlocked(ev, now)
		if err != nil {
			logging.WarnWithContext(m.logger, "dependency check failed, dispatching anyway", "blocking_check_failed",
				logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "report this with the debug log"),
				logging.String(logging.FieldImpact, "event ordering may be violated for this device"),
			)
			blocked = false
		}
		if blocked {
			continue
		}
		if !m.run(ev) {
			return
		}
	}
}

// run dispatches one event and reports whether the pass may continue.
func (m *Manager) run(ev *queue.Event) bool {
	w, err := m.pool.Dispatch(m.snapshot(), ev.Device)
	switch {
	case errors.Is(err, worker.ErrNoCapacity):
		m.capacityLog.Do(func() {
			m.logger.Debug("maximum number of workers reached, deferring events",
				logging.Int("children_max", m.pool.Max()),
				logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
			)
		})
		return false
	case err != nil:
		m.metrics.IncSpawnFailure()
		logging.WarnWithContext(m.logger, "failed to start worker", "worker_spawn_failed",
			logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check process limits and that the hotplugd binary is executable"),
			logging.String(logging.FieldImpact, "event stays queued and is retried on the next pass"),
		)
		return false
	}
	m.attach(ev, w)
	return true
}

// attach links ev to w and arms the slow-event warning and the hard timeout.
func (m *Manager) attach(ev *queue.Event, w *worker.Worker) {
	ev.State = queue.Running
	ev.Worker = w.PID

	t := m.eventTimers(ev.Seqnum)
	seq := ev.Seqnum
	if t.warn == nil {
		t.warn = m.reactor.NewTimer("event-warn", func() { m.onEventTimeoutWarning(seq) })
		t.kill = m.reactor.NewTimer("event-kill", func() { m.onEventTimeout(seq) })
	}
	t.warn.Reset(m.settings.warnAfter())
	t.kill.Reset(m.settings.killAfter())

	m.logger.Debug("event dispatched",
		logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
		logging.String(logging.FieldAction, ev.Action),
		logging.String(logging.FieldDevPath, ev.DevPath),
		logging.Int(logging.FieldWorkerPID, w.PID),
	)
}

func (m *Manager) eventTimers(seq uint64) *eventTimers {
	t, ok := m.timers[seq]
	if !ok {
		t = &eventTimers{}
		m.timers[seq] = t
	}
	return t
}

func (m *Manager) stopTimeouts(seq uint64) {
	if t, ok := m.timers[seq]; ok {
		t.warn.Stop()
		t.kill.Stop()
	}
}

func (m *Manager) onEventTimeoutWarning(seq uint64) {
	ev, ok := m.queue.Get(seq)
	if !ok || ev.State != queue.Running {
		return
	}
	logging.WarnWithContext(m.logger, "worker is taking a long time to process event", "event_slow",
		logging.Uint64(logging.FieldSeqnum, seq),
		logging.String(logging.FieldDevPath, ev.DevPath),
		logging.Int(logging.FieldWorkerPID, ev.Worker),
		logging.Duration("timeout", m.settings.killAfter()),
		logging.String(logging.FieldErrorHint, "look for a hanging rule program"),
		logging.String(logging.FieldImpact, "the worker is killed if it does not finish in time"),
	)
}

func (m *Manager) onEventTimeout(seq uint64) {
	ev, ok := m.queue.Get(seq)
	if !ok || ev.State != queue.Running {
		return
	}
	w, ok := m.pool.Get(ev.Worker)
	if !ok {
		return
	}
	logging.ErrorWithContext(m.logger, "worker timed out processing event, killing it", "event_timeout",
		logging.Uint64(logging.FieldSeqnum, seq),
		logging.String(logging.FieldDevPath, ev.DevPath),
		logging.Int(logging.FieldWorkerPID, w.PID),
		logging.String("signal", m.settings.TimeoutSignal.String()),
		logging.String(logging.FieldErrorHint, "fix or remove the rule program that hangs"),
	)
	m.pool.Terminate(w, m.settings.TimeoutSignal)
}
