package reactor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"

	"hotplugd/internal/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := reactor.New(clock)

	var fired []string
	r.AfterFunc("late", 3*time.Second, func() { fired = append(fired, "late") })
	r.AfterFunc("early", time.Second, func() { fired = append(fired, "early") })
	r.AfterFunc("tie-a", 2*time.Second, func() { fired = append(fired, "tie-a") })
	r.AfterFunc("tie-b", 2*time.Second, func() { fired = append(fired, "tie-b") })

	if n := r.RunDue(); n != 0 {
		t.Fatalf("nothing should be due yet, fired %d", n)
	}
	clock.Advance(2 * time.Second)
	r.RunDue()
	clock.Advance(time.Second)
	r.RunDue()

	if diff := cmp.Diff([]string{"early", "tie-a", "tie-b", "late"}, fired); diff != "" {
		t.Fatalf("fire order mismatch (-want +got):\n%s", diff)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", r.Pending())
	}
}

func TestTimerStopAndReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := reactor.New(clock)

	count := 0
	timer := r.NewTimer("retry", func() { count++ })
	if timer.Active() {
		t.Fatal("new timer must start disarmed")
	}
	timer.Reset(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop on armed timer should report true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	clock.Advance(time.Second)
	r.RunDue()
	if count != 0 {
		t.Fatal("stopped timer fired")
	}

	timer.Reset(time.Second)
	clock.Advance(500 * time.Millisecond)
	timer.Reset(time.Second)
	clock.Advance(600 * time.Millisecond)
	r.RunDue()
	if count != 0 {
		t.Fatal("reset should push the deadline out")
	}
	clock.Advance(400 * time.Millisecond)
	r.RunDue()
	if count != 1 || timer.Active() {
		t.Fatalf("expected a single fire, got %d (active=%v)", count, timer.Active())
	}

	var nilTimer *reactor.Timer
	if nilTimer.Stop() || nilTimer.Active() {
		t.Fatal("nil timer must be inert")
	}
}

func TestRunExecutesPostsThenHook(t *testing.T) {
	r := reactor.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handled, hooks int
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func() bool {
			hooks++
			return handled == 3
		})
	}()

	for range 3 {
		if err := r.Call(ctx, func() { handled++ }); err != nil && !errors.Is(err, reactor.ErrStopped) {
			t.Fatalf("Call: %v", err)
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if hooks == 0 {
		t.Fatal("post hook never ran")
	}
	if err := r.Post(func() {}); !errors.Is(err, reactor.ErrStopped) {
		t.Fatalf("expected ErrStopped after Run returned, got %v", err)
	}
}

func TestRunWakesForTimers(t *testing.T) {
	r := reactor.New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fired := false
	if err := r.Post(func() {
		r.AfterFunc("wake", 10*time.Millisecond, func() { fired = true })
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	err := r.Run(ctx, func() bool { return fired })
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	r := reactor.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestRunPending(t *testing.T) {
	r := reactor.New(clockwork.NewFakeClock())
	var order []int
	for i := range 3 {
		if err := r.Post(func() { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}
	if n := r.RunPending(); n != 3 {
		t.Fatalf("RunPending ran %d handlers", n)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}
