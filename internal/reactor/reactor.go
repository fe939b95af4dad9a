package reactor

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrStopped is returned when work is offered to a reactor that has finished running.
var ErrStopped = errors.New("reactor stopped")

// maxDrain bounds how many posted handlers run before the post hook gets a turn.
const maxDrain = 64

// Reactor runs posted handlers and timer callbacks one at a time on the
// goroutine that calls Run. Handlers run to completion; state they touch needs
// no locking as long as it is only reached from handlers.
type Reactor struct {
	clock  clockwork.Clock
	posts  chan func()
	done   chan struct{}
	timers timerHeap
	seq    uint64
}

// New returns a reactor driven by clock. A nil clock means the real clock.
func New(clock clockwork.Clock) *Reactor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reactor{
		clock: clock,
		posts: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Clock returns the reactor clock.
func (r *Reactor) Clock() clockwork.Clock {
	return r.clock
}

// Post queues fn to run on the loop goroutine. It blocks while the backlog is
// full and returns ErrStopped once Run has returned.
func (r *Reactor) Post(fn func()) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.posts <- fn:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// Call runs fn on the loop goroutine and waits for it to finish.
func (r *Reactor) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := r.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		// fn may have run just before the loop exited.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Done is closed when Run returns.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Run processes handlers and timers until post returns true or ctx ends.
// post is called after every batch of handlers; it is the place to react to
// state changes the handlers made.
func (r *Reactor) Run(ctx context.Context, post func() bool) error {
	defer close(r.done)

	for {
		var (
			wake  clockwork.Timer
			wakeC <-chan time.Time
		)
		if next, ok := r.nextDeadline(); ok {
			wake = r.clock.NewTimer(max(r.clock.Until(next), 0))
			wakeC = wake.Chan()
		}

		select {
		case <-ctx.Done():
			if wake != nil {
				wake.Stop()
			}
			return ctx.Err()
		case fn := <-r.posts:
			fn()
			r.drain()
		case <-wakeC:
		}
		if wake != nil {
			wake.Stop()
		}

		r.RunDue()
		if post != nil && post() {
			return nil
		}
	}
}

func (r *Reactor) drain() {
	for range maxDrain {
		select {
		case fn := <-r.posts:
			fn()
		default:
			return
		}
	}
}

// RunPending runs every handler already posted without blocking. It exists
// for callers that drive the reactor by hand, such as tests.
func (r *Reactor) RunPending() int {
	n := 0
	for {
		select {
		case fn := <-r.posts:
			fn()
			n++
		default:
			return n
		}
	}
}

// RunDue fires every timer whose deadline has passed, earliest first, and
// returns how many fired.
func (r *Reactor) RunDue() int {
	n := 0
	now := r.clock.Now()
	for len(r.timers) > 0 && !r.timers[0].when.After(now) {
		t := heap.Pop(&r.timers).(*Timer)
		t.fn()
		n++
	}
	return n
}

func (r *Reactor) nextDeadline() (time.Time, bool) {
	if len(r.timers) == 0 {
		return time.Time{}, false
	}
	return r.timers[0].when, true
}

// Pending returns the number of armed timers.
func (r *Reactor) Pending() int {
	return len(r.timers)
}
