package history_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"hotplugd/internal/device"
	"hotplugd/internal/history"
	"hotplugd/internal/testsupport"
)

func sampleDevice(seq uint64) *device.Device {
	return &device.Device{
		Seqnum:    seq,
		Action:    device.ActionAdd,
		DevPath:   "/devices/pci0000:00/block/sda",
		Subsystem: "block",
		DevNode:   "/dev/sda",
	}
}

func TestInsertAndListNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		rec := history.NewRecord("run-1", sampleDevice(seq), device.OutcomeProcessed, at.Add(time.Duration(seq)*time.Second))
		if _, err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := store.List(ctx, history.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var seqs []uint64
	for _, r := range records {
		seqs = append(seqs, r.Seqnum)
	}
	if diff := cmp.Diff([]uint64{3, 2}, seqs); diff != "" {
		t.Fatalf("seqnum mismatch (-want +got):\n%s", diff)
	}
	if got := records[0]; got.DevNode != "/dev/sda" || got.RunID != "run-1" || !got.RecordedAt.Equal(at.Add(3*time.Second)) {
		t.Fatalf("unexpected record: %#v", got)
	}
}

func TestListFiltersByOutcomeAndStats(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	failed := sampleDevice(10)
	failed.AddExitStatus(3)
	timedOut := sampleDevice(11)
	timedOut.AddError(errors.New("timed out"))

	for _, rec := range []history.Record{
		history.NewRecord("", sampleDevice(9), device.OutcomeProcessed, time.Now()),
		history.NewRecord("", failed, device.OutcomeWorkerFailed, time.Now()),
		history.NewRecord("", timedOut, device.OutcomeRetryTimeout, time.Now()),
	} {
		if _, err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := store.List(ctx, history.ListOptions{
		Outcomes: []device.Outcome{device.OutcomeWorkerFailed, device.OutcomeRetryTimeout},
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(records))
	}
	if records[0].Error != "timed out" || records[1].ExitStatus != 3 {
		t.Fatalf("failure annotations lost: %#v", records)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := map[device.Outcome]int{
		device.OutcomeProcessed:    1,
		device.OutcomeWorkerFailed: 1,
		device.OutcomeRetryTimeout: 1,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		if _, err := store.Insert(ctx, history.NewRecord("", sampleDevice(seq), device.OutcomeProcessed, time.Now())); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	removed, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 rows removed, got %d", removed)
	}
	records, err := store.List(ctx, history.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || records[0].Seqnum != 5 || records[1].Seqnum != 4 {
		t.Fatalf("unexpected survivors: %#v", records)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	store.Close()

	db, err := sql.Open("sqlite", cfg.HistoryPath())
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("update version: %v", err)
	}
	db.Close()

	if _, err := history.Open(cfg.HistoryPath()); !errors.Is(err, history.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestRecorderPersistsBroadcasts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	rec := history.NewRecorder(store, "run-7", clock, nil)

	dev := sampleDevice(42)
	dev.AddSignal(9)
	rec.Broadcast(dev, device.OutcomeWorkerFailed)
	rec.Broadcast(nil, device.OutcomeProcessed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records, err := store.List(context.Background(), history.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Seqnum != 42 || got.Signal != "SIGKILL" || got.RunID != "run-7" || !got.RecordedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected record: %#v", got)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", rec.Dropped())
	}
}

func TestRecorderFlushesBacklogOnShutdown(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	rec := history.NewRecorder(store, "run-8", clockwork.NewFakeClock(), nil)

	const total = 100
	for seq := uint64(1); seq <= total; seq++ {
		rec.Broadcast(sampleDevice(seq), device.OutcomeDropped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records, err := store.List(context.Background(), history.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != total {
		t.Fatalf("expected %d records, got %d", total, len(records))
	}
}

func TestRecorderKeepsRecordsBroadcastBeforeCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	rec := history.NewRecorder(store, "run-9", clockwork.NewFakeClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	const total = 50
	for seq := uint64(1); seq <= total; seq++ {
		rec.Broadcast(sampleDevice(seq), device.OutcomeWorkerFailed)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	records, err := store.List(context.Background(), history.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != total {
		t.Fatalf("expected %d records, got %d", total, len(records))
	}
	if rec.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", rec.Dropped())
	}
}
