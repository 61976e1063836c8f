package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutJob upserts a job row. Replacing an existing id atomically moves its
// trigger instant and payload.
func (s *Store) PutJob(ctx context.Context, row JobRow) error {
	if row.ID == "" {
		return errors.New("storage: job id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, run_at, payload, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		     kind = excluded.kind, run_at = excluded.run_at, payload = excluded.payload`,
		row.ID, row.Kind, msOf(row.RunAt), row.Payload, s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put job %s: %w", row.ID, err)
	}
	return nil
}

// DeleteJob is idempotent; removing an unknown id is not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// ClaimJob deletes the row and reports whether this caller owned it.
// Executing a job only after a successful claim prevents double execution
// when a restart races the timer.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) DeleteJobsByPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("storage: empty job prefix")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("delete jobs by prefix %s: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) JobByID(ctx context.Context, id string) (JobRow, error) {
	var row JobRow
	var runMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, run_at, payload FROM jobs WHERE id = ?`, id,
	).Scan(&row.ID, &row.Kind, &runMS, &row.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRow{}, ErrNotFound
	}
	if err != nil {
		return JobRow{}, fmt.Errorf("load job %s: %w", id, err)
	}
	row.RunAt = timeOfMS(runMS)
	return row, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]JobRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, run_at, payload FROM jobs ORDER BY run_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// DueJobs returns rows whose trigger instant is at or before the cutoff.
// The scheduler's periodic sweep uses this to pick up rows whose in-process
// timer was lost (restart, clock adjustment).
func (s *Store) DueJobs(ctx context.Context, before time.Time) ([]JobRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, run_at, payload FROM jobs WHERE run_at <= ? ORDER BY run_at, id`,
		msOf(before))
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]JobRow, error) {
	var out []JobRow
	for rows.Next() {
		var row JobRow
		var runMS int64
		if err := rows.Scan(&row.ID, &row.Kind, &runMS, &row.Payload); err != nil {
			return nil, err
		}
		row.RunAt = timeOfMS(runMS)
		out = append(out, row)
	}
	return out, rows.Err()
}
