package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot callback owned by a reactor. Its methods must be called
// from the loop goroutine.
type Timer struct {
	r     *Reactor
	name  string
	fn    func()
	when  time.Time
	seq   uint64
	index int
}

// NewTimer returns a disarmed timer that runs fn when it fires.
func (r *Reactor) NewTimer(name string, fn func()) *Timer {
	return &Timer{r: r, name: name, fn: fn, index: -1}
}

// AfterFunc arms a new timer that runs fn after d.
func (r *Reactor) AfterFunc(name string, d time.Duration, fn func()) *Timer {
	t := r.NewTimer(name, fn)
	t.Reset(d)
	return t
}

// Name returns the label given at creation.
func (t *Timer) Name() string {
	return t.name
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	return t != nil && t.index >= 0
}

// When returns the deadline of an armed timer.
func (t *Timer) When() time.Time {
	return t.when
}

// Reset arms the timer to fire d from now, replacing any earlier deadline.
func (t *Timer) Reset(d time.Duration) {
	t.when = t.r.clock.Now().Add(d)
	t.r.seq++
	t.seq = t.r.seq
	if t.index >= 0 {
		heap.Fix(&t.r.timers, t.index)
		return
	}
	heap.Push(&t.r.timers, t)
}

// Stop disarms the timer and reports whether it was armed. Stopping a nil
// timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.r.timers, t.index)
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
