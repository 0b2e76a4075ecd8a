package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Run records one agent subprocess launch for a node. Open runs (no
// ended_at) left behind by a crashed engine are how restart recovery finds
// orphaned processes.
type Run struct {
	ID         int64  `json:"id"`
	NodeID     int64  `json:"node_id"`
	PID        int    `json:"pid"`
	Runtime    string `json:"runtime"`
	Model      string `json:"model,omitempty"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    int64  `json:"ended_at,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// RecordLaunch opens a run row for a freshly launched subprocess.
func (s *Store) RecordLaunch(ctx context.Context, nodeID int64, pid int, runtime, model string) (int64, error) {
	var runID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, s.dialect.Rebind(`
			INSERT INTO runs (node_id, pid, runtime, model, started_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`),
			nodeID, pid, runtime, model, tick).Scan(&runID)
	})
	if err != nil {
		return 0, fmt.Errorf("record launch for node %d: %w", nodeID, err)
	}
	return runID, nil
}

// FinishRun closes a run row with the exit code and captured output tails.
func (s *Store) FinishRun(ctx context.Context, runID int64, exitCode int, stdoutTail, stderrTail string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tick, err := s.bumpClock(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE runs SET ended_at = ?, exit_code = ?, stdout_tail = ?, stderr_tail = ?
			WHERE id = ?`),
			tick, exitCode, stdoutTail, stderrTail, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return nil
}

// OpenRuns returns runs that were never closed, oldest first.
func (s *Store) OpenRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, node_id, pid, runtime, model, started_at, ended_at, exit_code, stdout_tail, stderr_tail
		FROM runs WHERE ended_at IS NULL ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("query open runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunsFor returns every run recorded for a node, oldest first.
func (s *Store) RunsFor(ctx context.Context, nodeID int64) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, node_id, pid, runtime, model, started_at, ended_at, exit_code, stdout_tail, stderr_tail
		FROM runs WHERE node_id = ? ORDER BY id`), nodeID)
	if err != nil {
		return nil, fmt.Errorf("query runs for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		r        Run
		endedAt  sql.NullInt64
		exitCode sql.NullInt64
	)
	err := rows.Scan(&r.ID, &r.NodeID, &r.PID, &r.Runtime, &r.Model,
		&r.StartedAt, &endedAt, &exitCode, &r.StdoutTail, &r.StderrTail)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.EndedAt = endedAt.Int64
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	return &r, nil
}
