package manager

import (
	"errors"
	"fmt"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
	"hotplugd/internal/queue"
	"hotplugd/internal/worker"
)

// ErrRetryTimeout is recorded on devices that stayed locked for the whole
// retry window.
var ErrRetryTimeout = errors.New("device locked for longer than the retry window")

func (m *Manager) handleDevice(dev *device.Device) {
	if m.exiting {
		m.logger.Debug("shutting down, ignoring device event", logging.Uint64(logging.FieldSeqnum, seqOf(dev)))
		return
	}
	if dev == nil {
		return
	}

	disk, err := dev.WholeDisk(m.settings.SysfsRoot)
	if err != nil {
		m.logger.Debug("whole disk lookup failed", logging.Uint64(logging.FieldSeqnum, dev.Seqnum), logging.Error(err))
	}
	ev, wasEmpty, err := m.queue.Insert(dev, disk, m.clock.Now())
	if err != nil {
		logging.WarnWithContext(m.logger, "rejecting device event", "event_rejected",
			logging.Uint64(logging.FieldSeqnum, dev.Seqnum),
			logging.String(logging.FieldDevPath, dev.DevPath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the event source delivered an incomplete or out of order event"),
			logging.String(logging.FieldImpact, "event dropped"),
		)
		return
	}
	m.metrics.IncUEvent()
	if wasEmpty {
		m.createMarker()
	}
	if disk != "" {
		m.queue.AssumeUnlocked(disk)
	}
	m.logger.Debug("device event queued",
		logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
		logging.String(logging.FieldAction, ev.Action),
		logging.String(logging.FieldDevPath, ev.DevPath),
	)
}

func (m *Manager) handleNotify(msg worker.Message) {
	w, ok := m.pool.Get(msg.PID)
	if !ok {
		logging.WarnWithContext(m.logger, "report from unknown process, ignoring", "notify_unknown_sender",
			logging.Int(logging.FieldWorkerPID, msg.PID),
			logging.String(logging.FieldErrorHint, "only hotplugd workers should write to the notify socket"),
			logging.String(logging.FieldImpact, "message dropped"),
		)
		return
	}

	var ev *queue.Event
	if w.Event != 0 {
		ev, _ = m.queue.Get(w.Event)
	}

	switch msg.Report.Kind() {
	case worker.KindWatchAdd:
		if ev != nil {
			m.addWatch(ev)
		}
		return
	case worker.KindWatchRemove:
		if ev != nil {
			m.removeWatch(ev)
		}
		return
	case worker.KindTryAgain:
		if ev != nil {
			m.requeue(ev)
		}
	default:
		if ev != nil {
			m.broadcast(ev.Device, device.OutcomeProcessed)
			m.freeEvent(ev)
		}
	}
	m.pool.Release(w)
}

// requeue puts an event whose disk was locked back in the queue with a
// backoff, or abandons it once the retry window has passed.
func (m *Manager) requeue(ev *queue.Event) {
	m.stopTimeouts(ev.Seqnum)
	now := m.clock.Now()

	if m.exiting {
		m.broadcast(ev.Device, device.OutcomeDropped)
		m.freeEvent(ev)
		return
	}

	if !ev.RetryDeadline.IsZero() && !ev.RetryDeadline.After(now) {
		logging.WarnWithContext(m.logger, "device stayed locked for the whole retry window, skipping event", "event_retry_timeout",
			logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
			logging.String(logging.FieldDevPath, ev.DevPath),
			logging.String("disk", ev.WholeDisk),
			logging.Duration("retry_window", m.settings.RetryTimeout),
			logging.String(logging.FieldErrorHint, "find the process holding an exclusive lock on the disk"),
			logging.String(logging.FieldImpact, "rules were not applied for this event"),
		)
		ev.Device.AddError(fmt.Errorf("%w (%s)", ErrRetryTimeout, m.settings.RetryTimeout))
		m.broadcast(ev.Device, device.OutcomeRetryTimeout)
		m.freeEvent(ev)
		return
	}

	ev.RetryNext = now.Add(m.settings.RetryInterval)
	if ev.RetryDeadline.IsZero() {
		ev.RetryDeadline = now.Add(m.settings.RetryTimeout)
	}
	t := m.eventTimers(ev.Seqnum)
	if t.retry == nil {
		// Firing only wakes the loop; the post hook re-runs the dispatch pass.
		t.retry = m.reactor.NewTimer("event-retry", func() {})
	}
	t.retry.Reset(m.settings.RetryInterval)

	ev.State = queue.Queued
	ev.Worker = 0
	m.metrics.IncRetry()
	m.logger.Debug("device locked, event requeued",
		logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
		logging.Duration("retry_in", m.settings.RetryInterval),
	)
}

// freeEvent removes an event and every timer attached to it.
func (m *Manager) freeEvent(ev *queue.Event) {
	if t, ok := m.timers[ev.Seqnum]; ok {
		t.warn.Stop()
		t.kill.Stop()
		t.retry.Stop()
		delete(m.timers, ev.Seqnum)
	}
	m.queue.Remove(ev.Seqnum)
}

func (m *Manager) handleWorkerExit(exit worker.Exit) {
	w, err := m.pool.Remove(exit.PID)
	if err != nil {
		m.logger.Debug("exit of untracked process", logging.Int(logging.FieldWorkerPID, exit.PID))
		return
	}

	var ev *queue.Event
	if w.Event != 0 {
		ev, _ = m.queue.Get(w.Event)
	}

	attrs := []logging.Attr{
		logging.Int(logging.FieldWorkerPID, exit.PID),
		logging.String("status", exit.String()),
	}
	switch {
	case exit.Clean():
		m.logger.Debug("worker exited", logging.Args(attrs...)...)
	case exit.Signal != 0:
		logging.WarnWithContext(m.logger, "worker terminated by signal", "worker_killed",
			append(attrs,
				logging.String(logging.FieldErrorHint, "check the worker log and kernel log for the cause"),
				logging.String(logging.FieldImpact, "the event it was processing is not retried"),
			)...)
		if ev != nil {
			ev.Device.AddSignal(exit.Signal)
		}
	default:
		logging.WarnWithContext(m.logger, "worker exited with failure", "worker_failed",
			append(attrs,
				logging.String(logging.FieldErrorHint, "check the worker log for the error"),
				logging.String(logging.FieldImpact, "the event it was processing is not retried"),
			)...)
		if ev != nil {
			ev.Device.AddExitStatus(exit.Code)
		}
	}

	if ev == nil {
		return
	}
	if !exit.Clean() {
		logging.WarnWithContext(m.logger, "worker failed while processing event", "event_failed",
			logging.Uint64(logging.FieldSeqnum, ev.Seqnum),
			logging.String(logging.FieldDevPath, ev.DevPath),
			logging.Int(logging.FieldWorkerPID, exit.PID),
			logging.String(logging.FieldErrorHint, "rerun the rules for this device once the cause is fixed"),
			logging.String(logging.FieldImpact, "device may be partially set up"),
		)
		m.broadcast(ev.Device, device.OutcomeWorkerFailed)
	}
	m.freeEvent(ev)
}

func seqOf(dev *device.Device) uint64 {
	if dev == nil {
		return 0
	}
	return dev.Seqnum
}
