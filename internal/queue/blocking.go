package queue

import (
	"fmt"
	"time"

	"hotplugd/internal/device"
)

// IsBlocked reports whether an earlier unresolved event conflicts with ev.
//
// Results are memoized on the event: once a blocker is found, later calls only
// check whether it is still queued, and once no blocker is found the answer
// stays false. Events that were already proven not to conflict are never
// compared again.
func (q *Queue) IsBlocked(ev *Event, now time.Time) (bool, error) {
	if !ev.RetryNext.IsZero() && ev.RetryNext.After(now) {
		return true, nil
	}

	if ev.blocker == ev.Seqnum {
		return false, nil
	}

	if cur, ok := q.bySeq[ev.Seqnum]; !ok || cur != ev {
		return false, fmt.Errorf("analyze seqnum %d: %w", ev.Seqnum, ErrNotQueued)
	}

	start := q.index(ev.blocker)
	first := q.events[start]
	if first.Seqnum == ev.blocker {
		return true, nil
	}
	if first.Seqnum >= ev.Seqnum {
		ev.blocker = ev.Seqnum
		return false, nil
	}

	for _, other := range q.events[start:] {
		if other.Seqnum >= ev.Seqnum {
			break
		}
		q.comparisons++
		if conflicts(ev, other) {
			ev.blocker = other.Seqnum
			return true, nil
		}
	}

	ev.blocker = ev.Seqnum
	return false, nil
}

// conflicts reports whether earlier must finish before ev may run. Empty
// identifiers and device nodes never match.
func conflicts(ev, earlier *Event) bool {
	if ev.ID != "" && ev.ID == earlier.ID {
		return true
	}
	if device.PathConflict(ev.DevPath, earlier.DevPath) ||
		device.PathConflict(ev.DevPath, earlier.DevPathOld) ||
		device.PathConflict(ev.DevPathOld, earlier.DevPath) {
		return true
	}
	return ev.DevNode != "" && ev.DevNode == earlier.DevNode
}
