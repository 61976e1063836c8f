package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deskbot/pkg/logx"
)

func (s *Store) CreateSurvey(ctx context.Context, authorID int64, question string, choices []string, maxChoices int, startAt, endAt time.Time) (int64, error) {
	if len(choices) == 0 {
		return 0, errors.New("storage: survey needs at least one choice")
	}
	if maxChoices <= 0 {
		maxChoices = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO surveys(author_id, question, max_choices, start_at, end_at, created_at)
		 VALUES(?,?,?,?,?,?)`,
		authorID, question, maxChoices, msOf(startAt), msOf(endAt), s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("create survey: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, text := range choices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO survey_choices(survey_id, position, text) VALUES(?,?,?)`,
			id, i, text,
		); err != nil {
			return 0, fmt.Errorf("create survey choice: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Info("survey created", logx.Int64("survey", id), logx.Int64("author", authorID), logx.Int("choices", len(choices)))
	return id, nil
}

func (s *Store) SurveyByID(ctx context.Context, id int64) (Survey, error) {
	var (
		sv         Survey
		startMS    int64
		endMS      int64
		finished   int
		finishedAt sql.NullInt64
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, author_id, question, max_choices, start_at, end_at,
		        successful_sends, failed_sends, jobs_remaining, finished, finished_at, created_at
		   FROM surveys WHERE id = ?`, id,
	).Scan(&sv.ID, &sv.AuthorID, &sv.Question, &sv.MaxChoices, &startMS, &endMS,
		&sv.SuccessfulSends, &sv.FailedSends, &sv.JobsRemaining, &finished, &finishedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Survey{}, ErrNotFound
	}
	if err != nil {
		return Survey{}, fmt.Errorf("load survey %d: %w", id, err)
	}
	sv.StartAt = timeOfMS(startMS)
	sv.EndAt = timeOfMS(endMS)
	sv.Finished = finished != 0
	if finishedAt.Valid {
		sv.FinishedAt = timeOfMS(finishedAt.Int64)
	}
	sv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return sv, nil
}

func (s *Store) SurveyChoices(ctx context.Context, surveyID int64) ([]Choice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, survey_id, position, text FROM survey_choices
		  WHERE survey_id = ? ORDER BY position`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("load choices for survey %d: %w", surveyID, err)
	}
	defer rows.Close()

	var out []Choice
	for rows.Next() {
		var c Choice
		if err := rows.Scan(&c.ID, &c.SurveyID, &c.Position, &c.Text); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ActiveSurveysByAuthor(ctx context.Context, authorID int64) ([]Survey, error) {
	cutoff := msOf(s.now().Add(activeLookahead))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, question, start_at, end_at FROM surveys
		  WHERE author_id = ? AND start_at > ? ORDER BY start_at`,
		authorID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list active surveys: %w", err)
	}
	defer rows.Close()

	var out []Survey
	for rows.Next() {
		var sv Survey
		var startMS, endMS int64
		if err := rows.Scan(&sv.ID, &sv.AuthorID, &sv.Question, &startMS, &endMS); err != nil {
			return nil, err
		}
		sv.StartAt = timeOfMS(startMS)
		sv.EndAt = timeOfMS(endMS)
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSurveySchedule(ctx context.Context, id int64, startAt, endAt time.Time) error {
	return s.updateOne(ctx,
		`UPDATE surveys SET start_at = ?, end_at = ? WHERE id = ?`,
		msOf(startAt), msOf(endAt), id)
}

func (s *Store) DeleteSurvey(ctx context.Context, id int64) error {
	// choices and answers cascade
	_, err := s.db.ExecContext(ctx, `DELETE FROM surveys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete survey %d: %w", id, err)
	}
	return nil
}

func (s *Store) SetSurveyJobsRemaining(ctx context.Context, id int64, n int) error {
	return s.updateOne(ctx, `UPDATE surveys SET jobs_remaining = ? WHERE id = ?`, n, id)
}

func (s *Store) ApplySurveyProgress(ctx context.Context, id int64, successDelta, failureDelta int) error {
	return s.applyProgress(ctx, "surveys", id, successDelta, failureDelta)
}

func (s *Store) MarkSurveyFinished(ctx context.Context, id int64) error {
	return s.markFinished(ctx, "surveys", id)
}

// SaveAnswers records a recipient's vote. The full vote set is all-or-nothing:
// a recipient with any existing answer row for the survey is rejected.
func (s *Store) SaveAnswers(ctx context.Context, recipientID, surveyID int64, choiceIDs []int64) error {
	if len(choiceIDs) == 0 {
		return errors.New("storage: no choices selected")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxChoices int
	err = tx.QueryRowContext(ctx, `SELECT max_choices FROM surveys WHERE id = ?`, surveyID).Scan(&maxChoices)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load survey %d: %w", surveyID, err)
	}
	if len(choiceIDs) > maxChoices {
		return ErrTooManyChoices
	}

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM survey_answers WHERE survey_id = ? AND recipient_id = ?`,
		surveyID, recipientID,
	).Scan(&existing)
	if err != nil {
		return err
	}
	if existing > 0 {
		return ErrAlreadyAnswered
	}

	now := s.now().Format(time.RFC3339Nano)
	for _, choiceID := range choiceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO survey_answers(survey_id, choice_id, recipient_id, created_at)
			 VALUES(?,?,?,?)`,
			surveyID, choiceID, recipientID, now,
		); err != nil {
			return fmt.Errorf("save answer: %w", err)
		}
	}
	return tx.Commit()
}

// SurveyResultsByID loads a survey with per-choice vote counts. Counts are
// derived from answer rows, never stored.
func (s *Store) SurveyResultsByID(ctx context.Context, surveyID int64) (SurveyResults, error) {
	sv, err := s.SurveyByID(ctx, surveyID)
	if err != nil {
		return SurveyResults{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.survey_id, c.position, c.text, COUNT(a.id)
		   FROM survey_choices c
		   LEFT JOIN survey_answers a ON a.choice_id = c.id
		  WHERE c.survey_id = ?
		  GROUP BY c.id, c.survey_id, c.position, c.text
		  ORDER BY c.position`, surveyID)
	if err != nil {
		return SurveyResults{}, fmt.Errorf("load results for survey %d: %w", surveyID, err)
	}
	defer rows.Close()

	out := SurveyResults{Survey: sv}
	for rows.Next() {
		var cr ChoiceResult
		if err := rows.Scan(&cr.ID, &cr.SurveyID, &cr.Position, &cr.Text, &cr.Votes); err != nil {
			return SurveyResults{}, err
		}
		out.Choices = append(out.Choices, cr)
	}
	return out, rows.Err()
}
