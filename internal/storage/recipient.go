package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertRecipient(ctx context.Context, id int64, tzOffset int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, tz_offset) VALUES(?,?)
		 ON CONFLICT(id) DO UPDATE SET tz_offset = excluded.tz_offset`,
		id, tzOffset,
	)
	if err != nil {
		return fmt.Errorf("upsert recipient %d: %w", id, err)
	}
	return nil
}

func (s *Store) RecipientByID(ctx context.Context, id int64) (Recipient, error) {
	var r Recipient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tz_offset FROM recipients WHERE id = ?`, id,
	).Scan(&r.ID, &r.TZOffset)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, fmt.Errorf("load recipient %d: %w", id, err)
	}
	return r, nil
}

// DistinctOffsets returns the sorted set of UTC offsets present in the directory.
func (s *Store) DistinctOffsets(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tz_offset FROM recipients ORDER BY tz_offset`)
	if err != nil {
		return nil, fmt.Errorf("distinct offsets: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var off int
		if err := rows.Scan(&off); err != nil {
			return nil, err
		}
		out = append(out, off)
	}
	return out, rows.Err()
}

// RecipientsByOffset pages the recipients in one timezone bucket. Pages are
// 1-based; an empty page ends the iteration.
func (s *Store) RecipientsByOffset(ctx context.Context, offset, pageSize, page int) ([]int64, error) {
	if pageSize <= 0 || page <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM recipients WHERE tz_offset = ? ORDER BY id LIMIT ? OFFSET ?`,
		offset, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("page recipients (offset %d): %w", offset, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// UnansweredByOffset pages the bucket's recipients who have no answer row for
// the survey yet. Reminder phases use this instead of the full bucket.
func (s *Store) UnansweredByOffset(ctx context.Context, surveyID int64, offset, pageSize, page int) ([]int64, error) {
	if pageSize <= 0 || page <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id FROM recipients r
		  WHERE r.tz_offset = ?
		    AND NOT EXISTS (
		        SELECT 1 FROM survey_answers a
		         WHERE a.survey_id = ? AND a.recipient_id = r.id)
		  ORDER BY r.id LIMIT ? OFFSET ?`,
		offset, surveyID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("page unanswered (survey %d, offset %d): %w", surveyID, offset, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) CountRecipients(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM recipients`).Scan(&n)
	return n, err
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
