package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deskbot/pkg/logx"
)

// activeLookahead widens "still pending" listings so campaigns whose buckets
// are mid-flight in the earliest timezone still show up.
const activeLookahead = 12 * time.Hour

func (s *Store) CreateCampaign(ctx context.Context, authorID int64, message string, deliveryAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(author_id, message, delivery_at, created_at) VALUES(?,?,?,?)`,
		authorID, message, msOf(deliveryAt), s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Info("campaign created", logx.Int64("campaign", id), logx.Int64("author", authorID))
	return id, nil
}

func (s *Store) CampaignByID(ctx context.Context, id int64) (Campaign, error) {
	var (
		c          Campaign
		deliveryMS int64
		finished   int
		finishedAt sql.NullInt64
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, author_id, message, delivery_at, successful_sends, failed_sends,
		        jobs_remaining, finished, finished_at, created_at
		   FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.AuthorID, &c.Message, &deliveryMS, &c.SuccessfulSends, &c.FailedSends,
		&c.JobsRemaining, &finished, &finishedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("load campaign %d: %w", id, err)
	}
	c.DeliveryAt = timeOfMS(deliveryMS)
	c.Finished = finished != 0
	if finishedAt.Valid {
		c.FinishedAt = timeOfMS(finishedAt.Int64)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return c, nil
}

// ActiveCampaignsByAuthor lists campaigns still ahead of their delivery window.
func (s *Store) ActiveCampaignsByAuthor(ctx context.Context, authorID int64) ([]Campaign, error) {
	cutoff := msOf(s.now().Add(activeLookahead))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, message, delivery_at FROM campaigns
		  WHERE author_id = ? AND delivery_at > ? ORDER BY delivery_at`,
		authorID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		var deliveryMS int64
		if err := rows.Scan(&c.ID, &c.AuthorID, &c.Message, &deliveryMS); err != nil {
			return nil, err
		}
		c.DeliveryAt = timeOfMS(deliveryMS)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCampaignText(ctx context.Context, id int64, message string) error {
	return s.updateOne(ctx, `UPDATE campaigns SET message = ? WHERE id = ?`, message, id)
}

func (s *Store) UpdateCampaignSchedule(ctx context.Context, id int64, deliveryAt time.Time) error {
	return s.updateOne(ctx, `UPDATE campaigns SET delivery_at = ? WHERE id = ?`, msOf(deliveryAt), id)
}

func (s *Store) DeleteCampaign(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete campaign %d: %w", id, err)
	}
	return nil
}

// SetCampaignJobsRemaining records how many delivery jobs were registered for
// the campaign; ApplyCampaignProgress decrements it once per completed job.
func (s *Store) SetCampaignJobsRemaining(ctx context.Context, id int64, n int) error {
	return s.updateOne(ctx, `UPDATE campaigns SET jobs_remaining = ? WHERE id = ?`, n, id)
}

// ApplyCampaignProgress adds the delivery deltas of one completed job and
// decrements jobs_remaining. When the last job reports in, the same UPDATE
// flips finished and stamps finished_at; the finished = 0 guard makes the
// transition fire exactly once regardless of racing invocations.
func (s *Store) ApplyCampaignProgress(ctx context.Context, id int64, successDelta, failureDelta int) error {
	return s.applyProgress(ctx, "campaigns", id, successDelta, failureDelta)
}

// MarkCampaignFinished finishes a campaign that got zero jobs (no recipients).
func (s *Store) MarkCampaignFinished(ctx context.Context, id int64) error {
	return s.markFinished(ctx, "campaigns", id)
}

func (s *Store) applyProgress(ctx context.Context, table string, id int64, successDelta, failureDelta int) error {
	q := fmt.Sprintf(
		`UPDATE %s SET
		    successful_sends = successful_sends + ?,
		    failed_sends     = failed_sends + ?,
		    jobs_remaining   = CASE WHEN jobs_remaining > 0 THEN jobs_remaining - 1 ELSE 0 END,
		    finished         = CASE WHEN jobs_remaining <= 1 AND finished = 0 THEN 1 ELSE finished END,
		    finished_at      = CASE WHEN jobs_remaining <= 1 AND finished = 0 THEN ? ELSE finished_at END
		  WHERE id = ?`, table)
	res, err := s.db.ExecContext(ctx, q, successDelta, failureDelta, msOf(s.now()), id)
	if err != nil {
		return fmt.Errorf("apply progress to %s %d: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Row deleted while a job was in flight; the stale increment is
		// tolerated by contract, but the caller should know.
		return ErrNotFound
	}
	return nil
}

func (s *Store) markFinished(ctx context.Context, table string, id int64) error {
	q := fmt.Sprintf(
		`UPDATE %s SET finished = 1, finished_at = ?, jobs_remaining = 0
		  WHERE id = ? AND finished = 0`, table)
	_, err := s.db.ExecContext(ctx, q, msOf(s.now()), id)
	if err != nil {
		return fmt.Errorf("finish %s %d: %w", table, id, err)
	}
	return nil
}

func (s *Store) updateOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
