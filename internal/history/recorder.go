package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"hotplugd/internal/device"
	"hotplugd/internal/logging"
)

const (
	recorderBacklog = 1024
	// DefaultRetain is how many outcomes survive pruning.
	DefaultRetain = 10000
	pruneEvery    = 500
)

// Recorder receives outcome broadcasts from the manager loop and writes them
// to the store on its own goroutine. Broadcast never blocks; records are
// dropped when the backlog is full.
type Recorder struct {
	store   *Store
	runID   string
	clock   clockwork.Clock
	logger  *slog.Logger
	retain  int
	records chan Record
	dropped atomic.Uint64
	written int
}

// NewRecorder returns a recorder tagging rows with runID.
func NewRecorder(store *Store, runID string, clock clockwork.Clock, logger *slog.Logger) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		store:   store,
		runID:   runID,
		clock:   clock,
		logger:  logging.NewComponentLogger(logger, "history"),
		retain:  DefaultRetain,
		records: make(chan Record, recorderBacklog),
	}
}

// Broadcast queues an outcome for persistence.
func (r *Recorder) Broadcast(dev *device.Device, outcome device.Outcome) {
	if dev == nil {
		return
	}
	rec := NewRecord(r.runID, dev, outcome, r.clock.Now())
	select {
	case r.records <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("history backlog full, dropping outcomes",
				logging.Uint64(logging.FieldSeqnum, dev.Seqnum),
				logging.String(logging.FieldEventType, "history_backlog_full"),
				logging.String(logging.FieldErrorHint, "check disk latency of the state directory"),
				logging.String(logging.FieldImpact, "some outcomes will be missing from history"),
			)
		}
	}
}

// Dropped returns how many outcomes were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes queued records until ctx ends, then flushes what is left.
// Writes are not bound to ctx so a record picked up during shutdown still
// lands in the store.
func (r *Recorder) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			r.flush()
			return nil
		}
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case rec := <-r.records:
			r.write(writeCtx, rec)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.records:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) {
	if _, err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Warn("failed to record outcome",
			logging.Uint64(logging.FieldSeqnum, rec.Seqnum),
			logging.Error(err),
			logging.String(logging.FieldEventType, "history_write_failed"),
			logging.String(logging.FieldErrorHint, "check permissions on the state directory"),
			logging.String(logging.FieldImpact, "outcome missing from history"),
		)
		return
	}
	r.written++
	if r.written%pruneEvery != 0 {
		return
	}
	if n, err := r.store.Prune(ctx, r.retain); err != nil {
		r.logger.Debug("history prune failed", logging.Error(err))
	} else if n > 0 {
		r.logger.Debug("history pruned", logging.Int64("rows", n))
	}
}
