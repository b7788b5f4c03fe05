package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is one finished reduction pass. Report holds the pass report as
// JSON; the other fields are indexed copies of it.
type RunRecord struct {
	RunID      string
	AgentName  string
	SessionID  string
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Report     json.RawMessage
}

// RunLog is the durable history of reduction passes.
type RunLog struct {
	db *DB
}

// NewRunLog returns the reduction history backed by db.
func NewRunLog(db *DB) *RunLog {
	return &RunLog{db: db}
}

const runColumns = `run_id, agent_name, session_id, outcome, started_at, finished_at, report`

// Record stores a finished pass.
func (l *RunLog) Record(ctx context.Context, r RunRecord) error {
	_, err := l.db.db.ExecContext(ctx, l.db.rebind(
		`INSERT INTO reduction_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.RunID, r.AgentName, r.SessionID, r.Outcome,
		toNanos(r.StartedAt), toNanos(r.FinishedAt), string(r.Report))
	if err != nil {
		return fmt.Errorf("record reduction run: %w", err)
	}
	return nil
}

// Recent returns up to limit passes, newest first.
func (l *RunLog) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.db.QueryContext(ctx, l.db.rebind(
		`SELECT `+runColumns+` FROM reduction_runs
		 ORDER BY finished_at DESC, run_id DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query reduction runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished int64
			report            string
		)
		if err := rows.Scan(&r.RunID, &r.AgentName, &r.SessionID, &r.Outcome, &started, &finished, &report); err != nil {
			return nil, err
		}
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		r.Report = json.RawMessage(report)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Latest returns the newest pass or ErrNotFound.
func (l *RunLog) Latest(ctx context.Context) (*RunRecord, error) {
	runs, err := l.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}
