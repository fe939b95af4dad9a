package queue_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"hotplugd/internal/device"
	"hotplugd/internal/queue"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newDevice(seq uint64, devpath string) *device.Device {
	return &device.Device{Seqnum: seq, Action: device.ActionAdd, DevPath: devpath}
}

func mustInsert(t *testing.T, q *queue.Queue, dev *device.Device) *queue.Event {
	t.Helper()
	ev, _, err := q.Insert(dev, "", epoch)
	if err != nil {
		t.Fatalf("Insert(%d): %v", dev.Seqnum, err)
	}
	return ev
}

func mustBlocked(t *testing.T, q *queue.Queue, ev *queue.Event, now time.Time) bool {
	t.Helper()
	blocked, err := q.IsBlocked(ev, now)
	if err != nil {
		t.Fatalf("IsBlocked(%d): %v", ev.Seqnum, err)
	}
	return blocked
}

func TestInsertValidatesMandatoryFields(t *testing.T) {
	q := queue.New()
	cases := []*device.Device{
		nil,
		{Action: "add", DevPath: "/devices/a"},
		{Seqnum: 1, DevPath: "/devices/a"},
		{Seqnum: 1, Action: "add"},
	}
	for i, dev := range cases {
		if _, _, err := q.Insert(dev, "", epoch); !errors.Is(err, queue.ErrMissingField) {
			t.Errorf("case %d: expected ErrMissingField, got %v", i, err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("rejected devices must not be queued, len=%d", q.Len())
	}
}

func TestInsertReportsEmptyAndRejectsOldSeqnum(t *testing.T) {
	q := queue.New()
	ev, wasEmpty, err := q.Insert(newDevice(10, "/devices/a"), "", epoch)
	if err != nil || !wasEmpty {
		t.Fatalf("first insert: wasEmpty=%v err=%v", wasEmpty, err)
	}
	if ev.State != queue.Queued {
		t.Fatalf("new event state = %s", ev.State)
	}
	if _, wasEmpty, _ := q.Insert(newDevice(11, "/devices/b"), "", epoch); wasEmpty {
		t.Fatal("second insert reported empty queue")
	}
	if _, _, err := q.Insert(newDevice(11, "/devices/c"), "", epoch); !errors.Is(err, queue.ErrSeqnumOrder) {
		t.Fatalf("expected ErrSeqnumOrder for duplicate, got %v", err)
	}
	if _, _, err := q.Insert(newDevice(5, "/devices/c"), "", epoch); !errors.Is(err, queue.ErrSeqnumOrder) {
		t.Fatalf("expected ErrSeqnumOrder for older seqnum, got %v", err)
	}
}

func TestParentChildBlocking(t *testing.T) {
	q := queue.New()
	parent := mustInsert(t, q, newDevice(1, "/devices/pci0/usb1"))
	child := mustInsert(t, q, newDevice(2, "/devices/pci0/usb1/ep1"))

	if mustBlocked(t, q, parent, epoch) {
		t.Fatal("oldest event must never be blocked")
	}
	if !mustBlocked(t, q, child, epoch) {
		t.Fatal("child must be blocked while parent is queued")
	}

	parent.State = queue.Running
	if !mustBlocked(t, q, child, epoch) {
		t.Fatal("child must be blocked while parent is running")
	}

	q.Remove(parent.Seqnum)
	if mustBlocked(t, q, child, epoch) {
		t.Fatal("child must be unblocked once parent is removed")
	}
}

func TestPathBoundaryDoesNotBlock(t *testing.T) {
	q := queue.New()
	mustInsert(t, q, newDevice(1, "/devices/a"))
	ab := mustInsert(t, q, newDevice(2, "/devices/ab"))
	if mustBlocked(t, q, ab, epoch) {
		t.Fatal("/devices/ab must not be blocked by /devices/a")
	}

	q2 := queue.New()
	mustInsert(t, q2, newDevice(1, "/devices/ab"))
	a := mustInsert(t, q2, newDevice(2, "/devices/a"))
	if mustBlocked(t, q2, a, epoch) {
		t.Fatal("/devices/a must not be blocked by /devices/ab")
	}
}

func TestConflictCriteria(t *testing.T) {
	cases := []struct {
		name    string
		earlier *device.Device
		later   *device.Device
		want    bool
	}{
		{
			name:    "same id",
			earlier: &device.Device{Seqnum: 1, Action: "add", DevPath: "/devices/x/tty0", Subsystem: "tty", Major: 4, Minor: 1},
			later:   &device.Device{Seqnum: 2, Action: "add", DevPath: "/devices/y/tty0", Subsystem: "tty", Major: 4, Minor: 1},
			want:    true,
		},
		{
			name:    "same devnode",
			earlier: &device.Device{Seqnum: 1, Action: "add", DevPath: "/devices/x", DevNode: "/dev/foo"},
			later:   &device.Device{Seqnum: 2, Action: "add", DevPath: "/devices/y", DevNode: "/dev/foo"},
			want:    true,
		},
		{
			name:    "renamed from earlier path",
			earlier: &device.Device{Seqnum: 1, Action: "add", DevPath: "/devices/old/net0"},
			later:   &device.Device{Seqnum: 2, Action: "move", DevPath: "/devices/new/net0", DevPathOld: "/devices/old/net0"},
			want:    true,
		},
		{
			name:    "earlier was renamed",
			earlier: &device.Device{Seqnum: 1, Action: "move", DevPath: "/devices/new/net0", DevPathOld: "/devices/old"},
			later:   &device.Device{Seqnum: 2, Action: "change", DevPath: "/devices/old/child"},
			want:    true,
		},
		{
			name:    "empty ids and devnodes do not match",
			earlier: &device.Device{Seqnum: 1, Action: "add", DevPath: "/devices/x"},
			later:   &device.Device{Seqnum: 2, Action: "add", DevPath: "/devices/y"},
			want:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := queue.New()
			mustInsert(t, q, tc.earlier)
			later := mustInsert(t, q, tc.later)
			if got := mustBlocked(t, q, later, epoch); got != tc.want {
				t.Fatalf("blocked = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBlockingMemoizationIsCheaper(t *testing.T) {
	q := queue.New()
	for i := uint64(1); i <= 50; i++ {
		mustInsert(t, q, newDevice(i, fmt.Sprintf("/devices/unrelated%d", i)))
	}
	last := mustInsert(t, q, newDevice(51, "/devices/target"))

	if mustBlocked(t, q, last, epoch) {
		t.Fatal("unexpected blocker")
	}
	firstCost := q.Comparisons()
	if firstCost != 50 {
		t.Fatalf("first scan compared %d events, want 50", firstCost)
	}

	if mustBlocked(t, q, last, epoch) {
		t.Fatal("memoized result changed")
	}
	if q.Comparisons() != firstCost {
		t.Fatalf("second call rescanned: %d comparisons", q.Comparisons()-firstCost)
	}
}

func TestBlockerCacheSkipsProvenPrefix(t *testing.T) {
	q := queue.New()
	for i := uint64(1); i <= 10; i++ {
		mustInsert(t, q, newDevice(i, fmt.Sprintf("/devices/unrelated%d", i)))
	}
	blocker := mustInsert(t, q, newDevice(11, "/devices/disk"))
	mustInsert(t, q, newDevice(12, "/devices/other"))
	ev := mustInsert(t, q, newDevice(13, "/devices/disk/part1"))

	if !mustBlocked(t, q, ev, epoch) {
		t.Fatal("expected blocker")
	}
	if ev.Blocker() != blocker.Seqnum {
		t.Fatalf("blocker = %d, want %d", ev.Blocker(), blocker.Seqnum)
	}
	afterFirst := q.Comparisons()

	if !mustBlocked(t, q, ev, epoch) {
		t.Fatal("blocker still queued")
	}
	if q.Comparisons() != afterFirst {
		t.Fatal("still-present blocker should be confirmed without comparisons")
	}

	q.Remove(blocker.Seqnum)
	if mustBlocked(t, q, ev, epoch) {
		t.Fatal("expected no blocker after removal")
	}
	if got := q.Comparisons() - afterFirst; got != 1 {
		t.Fatalf("rescan compared %d events, want only the unproven one", got)
	}
}

func TestRetryBackoffBlocksWithoutScan(t *testing.T) {
	q := queue.New()
	ev := mustInsert(t, q, newDevice(1, "/devices/a"))
	ev.RetryNext = epoch.Add(200 * time.Millisecond)

	if !mustBlocked(t, q, ev, epoch) {
		t.Fatal("event in backoff must be blocked")
	}
	if mustBlocked(t, q, ev, epoch.Add(200*time.Millisecond)) {
		t.Fatal("event must be eligible once backoff expires")
	}
}

func TestIsBlockedOnRemovedEvent(t *testing.T) {
	q := queue.New()
	mustInsert(t, q, newDevice(1, "/devices/a"))
	ev := mustInsert(t, q, newDevice(2, "/devices/b"))
	q.Remove(ev.Seqnum)

	if _, err := q.IsBlocked(ev, epoch); !errors.Is(err, queue.ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}
}

func TestAssumeUnlocked(t *testing.T) {
	q := queue.New()
	a, _, _ := q.Insert(&device.Device{Seqnum: 1, Action: "add", DevPath: "/devices/sda/sda1"}, "/dev/sda", epoch)
	b, _, _ := q.Insert(&device.Device{Seqnum: 2, Action: "add", DevPath: "/devices/sdb/sdb1"}, "/dev/sdb", epoch)
	deadline := epoch.Add(3 * time.Minute)
	for _, ev := range []*queue.Event{a, b} {
		ev.RetryNext = epoch.Add(time.Second)
		ev.RetryDeadline = deadline
	}

	if n := q.AssumeUnlocked("/dev/sda"); n != 1 {
		t.Fatalf("AssumeUnlocked touched %d events", n)
	}
	if !a.RetryNext.IsZero() || !a.RetryDeadline.Equal(deadline) {
		t.Fatalf("sda event: next=%v deadline=%v", a.RetryNext, a.RetryDeadline)
	}
	if b.RetryNext.IsZero() {
		t.Fatal("sdb event must keep its backoff")
	}
}

func TestDropQueuedKeepsRunning(t *testing.T) {
	q := queue.New()
	mustInsert(t, q, newDevice(1, "/devices/a"))
	running := mustInsert(t, q, newDevice(2, "/devices/b"))
	mustInsert(t, q, newDevice(3, "/devices/c"))
	running.State = queue.Running

	dropped := q.DropQueued()
	var seqs []uint64
	for _, ev := range dropped {
		seqs = append(seqs, ev.Seqnum)
	}
	if diff := cmp.Diff([]uint64{1, 3}, seqs); diff != "" {
		t.Fatalf("dropped mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 1 {
		t.Fatalf("expected running event to remain, len=%d", q.Len())
	}
	if _, ok := q.Get(1); ok {
		t.Fatal("dropped event still indexed")
	}
}
