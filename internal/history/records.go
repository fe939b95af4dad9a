package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"hotplugd/internal/device"
)

// Record is one terminal event outcome.
type Record struct {
	ID         int64          `json:"id"`
	RunID      string         `json:"run_id,omitempty"`
	Seqnum     uint64         `json:"seqnum"`
	Action     string         `json:"action"`
	DevPath    string         `json:"devpath"`
	Subsystem  string         `json:"subsystem,omitempty"`
	DevNode    string         `json:"devnode,omitempty"`
	Outcome    device.Outcome `json:"outcome"`
	ExitStatus int            `json:"exit_status,omitempty"`
	Signal     string         `json:"signal,omitempty"`
	Error      string         `json:"error,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// NewRecord captures the fields of dev worth keeping.
func NewRecord(runID string, dev *device.Device, outcome device.Outcome, at time.Time) Record {
	return Record{
		RunID:      runID,
		Seqnum:     dev.Seqnum,
		Action:     dev.Action,
		DevPath:    dev.DevPath,
		Subsystem:  dev.Subsystem,
		DevNode:    dev.DevNode,
		Outcome:    outcome,
		ExitStatus: dev.ExitStatus,
		Signal:     dev.Signal,
		Error:      dev.Error,
		RecordedAt: at,
	}
}

const recordColumns = "id, run_id, seqnum, action, devpath, subsystem, devnode, outcome, exit_status, signal, error_message, recorded_at"

// Insert stores rec and returns its row id.
func (s *Store) Insert(ctx context.Context, rec Record) (int64, error) {
	res, err := s.exec(ctx,
		`INSERT INTO event_outcomes (run_id, seqnum, action, devpath, subsystem, devnode, outcome, exit_status, signal, error_message, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, int64(rec.Seqnum), rec.Action, rec.DevPath,
		nullableString(rec.Subsystem), nullableString(rec.DevNode),
		string(rec.Outcome), rec.ExitStatus,
		nullableString(rec.Signal), nullableString(rec.Error),
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert outcome: %w", err)
	}
	return res.LastInsertId()
}

// ListOptions filters List results.
type ListOptions struct {
	Limit    int
	Outcomes []device.Outcome
}

// List returns the newest records first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	query := "SELECT " + recordColumns + " FROM event_outcomes"
	var args []any
	if len(opts.Outcomes) > 0 {
		placeholders := make([]string, len(opts.Outcomes))
		for i, o := range opts.Outcomes {
			placeholders[i] = "?"
			args = append(args, string(o))
		}
		query += " WHERE outcome IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats counts records per outcome.
func (s *Store) Stats(ctx context.Context) (map[device.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(1) FROM event_outcomes GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("outcome stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[device.Outcome]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		stats[device.Outcome(outcome)] = count
	}
	return stats, rows.Err()
}

// Prune keeps the newest keep records and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.exec(ctx,
		`DELETE FROM event_outcomes WHERE id NOT IN (SELECT id FROM event_outcomes ORDER BY id DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		rec        Record
		seqnum     int64
		outcome    string
		subsystem  sql.NullString
		devnode    sql.NullString
		signal     sql.NullString
		errMessage sql.NullString
		recorded   string
	)
	if err := scanner.Scan(
		&rec.ID, &rec.RunID, &seqnum, &rec.Action, &rec.DevPath,
		&subsystem, &devnode, &outcome, &rec.ExitStatus,
		&signal, &errMessage, &recorded,
	); err != nil {
		return Record{}, err
	}
	rec.Seqnum = uint64(seqnum)
	rec.Outcome = device.Outcome(outcome)
	rec.Subsystem = subsystem.String
	rec.DevNode = devnode.String
	rec.Signal = signal.String
	rec.Error = errMessage.String
	if t, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
		rec.RecordedAt = t
	}
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
