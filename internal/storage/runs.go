package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenPressCore/internal/press"
)

// RecordRunStarted inserts a run row. Satisfies press.Recorder.
func (p *PostgresClient) RecordRunStarted(ctx context.Context, run press.RunRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO press_runs (run_id, press_id, program, state, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`, run.RunID, run.PressID, run.Program, string(run.State), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RecordRunFinished stores the final state of a run. A finish without a
// start row (database came up mid-run) inserts the complete row.
func (p *PostgresClient) RecordRunFinished(ctx context.Context, run press.RunRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO press_runs (run_id, press_id, program, state, reason, started_at, finished_at, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE
		SET state = EXCLUDED.state,
		    reason = EXCLUDED.reason,
		    finished_at = EXCLUDED.finished_at,
		    elapsed_ms = EXCLUDED.elapsed_ms
	`, run.RunID, run.PressID, run.Program, string(run.State), run.Reason,
		run.StartedAt, run.FinishedAt, run.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a press, newest first.
func (p *PostgresClient) ListRuns(ctx context.Context, pressID, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT run_id, press_id, program, state, reason, started_at, finished_at, elapsed_ms
		FROM press_runs
		WHERE press_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, pressID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.PressID, &r.Program, &r.State, &r.Reason,
			&r.StartedAt, &r.FinishedAt, &r.ElapsedMS); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
