package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"deskbot/internal/services/delivery"
	"deskbot/internal/services/scheduler"
	"deskbot/internal/storage"
	"deskbot/pkg/logx"
)

// Reminder labels, by remaining time before the survey closes.
const (
	remindDayLabel  = "1 day"
	remindWeekLabel = "7 days"
)

// CreateSurvey persists a survey and registers its whole job set: announce
// fan-out at startAt, up to two reminder fan-outs before endAt, and the
// result summary to the author at endAt.
func (s *Service) CreateSurvey(ctx context.Context, authorID int64, question string, choices []string, maxChoices int, startAt, endAt time.Time) (int64, error) {
	if !endAt.After(startAt) {
		return 0, errors.New("campaign: survey must end after it starts")
	}
	id, err := s.store.CreateSurvey(ctx, authorID, question, choices, maxChoices, startAt, endAt)
	if err != nil {
		return 0, err
	}
	if err := s.registerSurveyJobs(ctx, id, authorID, startAt, endAt); err != nil {
		return id, err
	}
	s.log.Info("survey created", logx.Int64("survey", id), logx.Int64("author", authorID),
		logx.Time("start_at", startAt), logx.Time("end_at", endAt))
	return id, nil
}

// surveyFanOut is one scheduled fan-out phase before final-flag assignment.
type surveyFanOut struct {
	phase    scheduler.Phase
	remindIn string
	run      time.Time
	offsets  []int
}

func (s *Service) registerSurveyJobs(ctx context.Context, id, authorID int64, startAt, endAt time.Time) error {
	offsets, err := s.store.DistinctOffsets(ctx)
	if err != nil {
		return err
	}
	if len(offsets) == 0 {
		s.log.Warn("no recipients, survey finished immediately", logx.Int64("survey", id))
		return s.store.MarkSurveyFinished(ctx, id)
	}
	now := s.now()

	var fan []surveyFanOut
	for run, group := range GroupRunTimes(offsets, startAt, s.cfg.Window, now) {
		fan = append(fan, surveyFanOut{phase: scheduler.PhaseAnnounce, run: run, offsets: group})
	}
	// Each reminder must leave its own minimum gap after the start: a full
	// day for the day-before reminder, a full week for the week-before one.
	if remindAt := endAt.Add(-24 * time.Hour); reminderFits(startAt, remindAt, 1) {
		for run, group := range GroupRunTimes(offsets, remindAt, s.cfg.Window, now) {
			fan = append(fan, surveyFanOut{phase: scheduler.PhaseReminder, remindIn: remindDayLabel, run: run, offsets: group})
		}
	}
	if remindAt := endAt.Add(-7 * 24 * time.Hour); reminderFits(startAt, remindAt, 7) {
		for run, group := range GroupRunTimes(offsets, remindAt, s.cfg.Window, now) {
			fan = append(fan, surveyFanOut{phase: scheduler.PhaseReminder, remindIn: remindWeekLabel, run: run, offsets: group})
		}
	}

	var final time.Time
	for _, f := range fan {
		if f.run.After(final) {
			final = f.run
		}
	}

	var firstErr error
	registered := 0
	for _, f := range fan {
		payload, err := json.Marshal(delivery.SurveyArgs{
			SurveyID: id,
			Phase:    f.phase,
			Offsets:  f.offsets,
			RemindIn: f.remindIn,
			Final:    f.run.Equal(final),
		})
		if err != nil {
			return err
		}
		key := scheduler.JobKey{Kind: delivery.KindSurvey, EntityID: id, Phase: f.phase, RunAt: f.run}
		if err := s.jobs.Add(ctx, key, payload); err != nil {
			s.log.Error("job registration failed",
				logx.Int64("survey", id), logx.String("phase", string(f.phase)), logx.Time("run_at", f.run), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		registered++
	}
	if registered == 0 && firstErr != nil {
		return firstErr
	}
	// The result job does not touch delivery counters, so it is not part of
	// the jobs-remaining budget.
	if err := s.store.SetSurveyJobsRemaining(ctx, id, registered); err != nil {
		return err
	}

	if err := s.registerResultJob(ctx, id, authorID, endAt, now); err != nil {
		s.log.Error("result job registration failed", logx.Int64("survey", id), logx.Err(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerResultJob schedules the summary delivery at endAt through the
// author's own timezone bucket.
func (s *Service) registerResultJob(ctx context.Context, id, authorID int64, endAt time.Time, now time.Time) error {
	offset := 0
	switch r, err := s.store.RecipientByID(ctx, authorID); {
	case err == nil:
		offset = r.TZOffset
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	run := now.Add(pastBuffer)
	for r := range GroupRunTimes([]int{offset}, endAt, s.cfg.Window, now) {
		run = r
	}
	payload, err := json.Marshal(delivery.SurveyArgs{SurveyID: id, Phase: scheduler.PhaseResult})
	if err != nil {
		return err
	}
	key := scheduler.JobKey{Kind: delivery.KindSurvey, EntityID: id, Phase: scheduler.PhaseResult, RunAt: run}
	return s.jobs.Add(ctx, key, payload)
}

// reminderFits reports whether a reminder instant leaves at least gapDays
// full calendar days between the survey start and the reminder.
func reminderFits(startAt, remindAt time.Time, gapDays int) bool {
	return dateOnly(remindAt).AddDate(0, 0, -gapDays).After(dateOnly(startAt))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RescheduleSurvey moves a survey's window: every outstanding job of the
// survey, result delivery included, is cancelled by prefix and re-registered
// against the new dates.
func (s *Service) RescheduleSurvey(ctx context.Context, id int64, startAt, endAt time.Time) error {
	if !endAt.After(startAt) {
		return errors.New("campaign: survey must end after it starts")
	}
	sv, err := s.store.SurveyByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.jobs.RemoveByPrefix(ctx, scheduler.KeyPrefix(delivery.KindSurvey, id)); err != nil {
		return err
	}
	if err := s.store.UpdateSurveySchedule(ctx, id, startAt, endAt); err != nil {
		return err
	}
	if err := s.registerSurveyJobs(ctx, id, sv.AuthorID, startAt, endAt); err != nil {
		return err
	}
	s.log.Info("survey rescheduled", logx.Int64("survey", id),
		logx.Time("start_at", startAt), logx.Time("end_at", endAt))
	return nil
}

// CancelSurvey cancels outstanding jobs and deletes the survey with its
// choices and answers.
func (s *Service) CancelSurvey(ctx context.Context, id int64) error {
	if _, err := s.jobs.RemoveByPrefix(ctx, scheduler.KeyPrefix(delivery.KindSurvey, id)); err != nil {
		return err
	}
	if err := s.store.DeleteSurvey(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.log.Info("survey cancelled", logx.Int64("survey", id))
	return nil
}

// SurveyProgress reports a survey's cumulative delivery counts.
func (s *Service) SurveyProgress(ctx context.Context, id int64) (Progress, error) {
	sv, err := s.store.SurveyByID(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Success: sv.SuccessfulSends, Failed: sv.FailedSends, Finished: sv.Finished}, nil
}

// ActiveSurveys lists the author's surveys still open.
func (s *Service) ActiveSurveys(ctx context.Context, authorID int64) ([]storage.Survey, error) {
	return s.store.ActiveSurveysByAuthor(ctx, authorID)
}

// Answer records a recipient's vote. A repeated vote returns
// storage.ErrAlreadyAnswered, an oversized one storage.ErrTooManyChoices.
func (s *Service) Answer(ctx context.Context, recipientID, surveyID int64, choiceIDs []int64) error {
	if err := s.store.SaveAnswers(ctx, recipientID, surveyID, choiceIDs); err != nil {
		return err
	}
	s.log.Debug("answer recorded", logx.Int64("survey", surveyID), logx.Int64("recipient", recipientID),
		logx.Int("choices", len(choiceIDs)))
	return nil
}
