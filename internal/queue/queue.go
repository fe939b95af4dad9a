package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"hotplugd/internal/device"
)

// State is the lifecycle state of a queued event. Completed events are
// removed rather than marked.
type State int

const (
	Queued State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrMissingField is returned by Insert when the device lacks a
	// sequence number, action or device path.
	ErrMissingField = errors.New("device is missing a mandatory field")
	// ErrSeqnumOrder is returned by Insert when the sequence number does not
	// advance past the tail of the queue.
	ErrSeqnumOrder = errors.New("sequence number does not advance")
	// ErrNotQueued is returned when an event is no longer part of the queue.
	ErrNotQueued = errors.New("event not in queue")
)

// Event is one unit of work derived from a device notification.
type Event struct {
	Device     *device.Device
	Seqnum     uint64
	Action     string
	DevPath    string
	DevPathOld string
	ID         string
	DevNode    string
	// WholeDisk is the node locked by workers for block devices, "" otherwise.
	WholeDisk string

	State State
	// Worker is the pid of the worker running this event, 0 when queued.
	Worker int

	// RetryNext is the earliest time a retried event may run again.
	RetryNext time.Time
	// RetryDeadline ends the retry window; zero until the first retry.
	RetryDeadline time.Time

	QueuedAt time.Time

	// blocker is the seqnum of the last known blocking event, or Seqnum
	// itself once a scan proved nothing earlier conflicts.
	blocker uint64
}

// Blocker returns the cached blocker seqnum (the event's own seqnum when
// proven unblocked, zero when never analyzed).
func (e *Event) Blocker() uint64 {
	return e.blocker
}

// Queue holds events in ascending sequence number order. It is not safe for
// concurrent use; the manager touches it from its loop goroutine only.
type Queue struct {
	events      []*Event
	bySeq       map[uint64]*Event
	comparisons uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{bySeq: make(map[uint64]*Event)}
}

// Insert validates dev and appends a QUEUED event at the tail. wasEmpty
// reports whether the queue had no events before the call.
func (q *Queue) Insert(dev *device.Device, wholeDisk string, now time.Time) (ev *Event, wasEmpty bool, err error) {
	switch {
	case dev == nil:
		return nil, false, fmt.Errorf("%w: device", ErrMissingField)
	case dev.Seqnum == 0:
		return nil, false, fmt.Errorf("%w: seqnum", ErrMissingField)
	case dev.Action == "":
		return nil, false, fmt.Errorf("%w: action", ErrMissingField)
	case dev.DevPath == "":
		return nil, false, fmt.Errorf("%w: devpath", ErrMissingField)
	}
	if n := len(q.events); n > 0 && dev.Seqnum <= q.events[n-1].Seqnum {
		return nil, false, fmt.Errorf("%w: %d after %d", ErrSeqnumOrder, dev.Seqnum, q.events[n-1].Seqnum)
	}

	ev = &Event{
		Device:     dev,
		Seqnum:     dev.Seqnum,
		Action:     dev.Action,
		DevPath:    dev.DevPath,
		DevPathOld: dev.DevPathOld,
		ID:         dev.ID(),
		DevNode:    dev.DevNode,
		WholeDisk:  wholeDisk,
		State:      Queued,
		QueuedAt:   now,
	}
	wasEmpty = len(q.events) == 0
	q.events = append(q.events, ev)
	q.bySeq[ev.Seqnum] = ev
	return ev, wasEmpty, nil
}

// Get returns the event with the given seqnum.
func (q *Queue) Get(seqnum uint64) (*Event, bool) {
	ev, ok := q.bySeq[seqnum]
	return ev, ok
}

// Remove deletes the event with the given seqnum.
func (q *Queue) Remove(seqnum uint64) (*Event, bool) {
	ev, ok := q.bySeq[seqnum]
	if !ok {
		return nil, false
	}
	delete(q.bySeq, seqnum)
	i := q.index(seqnum)
	q.events = append(q.events[:i], q.events[i+1:]...)
	return ev, true
}

// Len returns the number of queued and running events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Events returns a snapshot of the queue in sequence order.
func (q *Queue) Events() []*Event {
	return append([]*Event(nil), q.events...)
}

// Counts returns the number of events per state.
func (q *Queue) Counts() (queued, running int) {
	for _, ev := range q.events {
		if ev.State == Running {
			running++
		} else {
			queued++
		}
	}
	return queued, running
}

// DropQueued removes and returns every event that is not running.
func (q *Queue) DropQueued() []*Event {
	var dropped []*Event
	kept := q.events[:0]
	for _, ev := range q.events {
		if ev.State == Queued {
			dropped = append(dropped, ev)
			delete(q.bySeq, ev.Seqnum)
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(q.events); i++ {
		q.events[i] = nil
	}
	q.events = kept
	return dropped
}

// AssumeUnlocked clears the retry backoff of queued events on the given
// whole disk so they are reconsidered on the next dispatch pass. The retry
// deadline is kept.
func (q *Queue) AssumeUnlocked(wholeDisk string) int {
	if wholeDisk == "" {
		return 0
	}
	n := 0
	for _, ev := range q.events {
		if ev.State != Queued || ev.RetryNext.IsZero() || ev.WholeDisk != wholeDisk {
			continue
		}
		ev.RetryNext = time.Time{}
		n++
	}
	return n
}

// Comparisons returns the number of pairwise conflict checks performed by
// IsBlocked so far.
func (q *Queue) Comparisons() uint64 {
	return q.comparisons
}

// index returns the position of the first event with Seqnum >= seqnum.
func (q *Queue) index(seqnum uint64) int {
	return sort.Search(len(q.events), func(i int) bool {
		return q.events[i].Seqnum >= seqnum
	})
}
