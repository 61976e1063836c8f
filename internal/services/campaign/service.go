// Package campaign orchestrates broadcast and survey campaigns: it turns an
// author's schedule into per-timezone delivery jobs, keeps the job set in
// sync across edits, and exposes campaign progress.
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

type Config struct {
	Window Window
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateCampaign(ctx context.Context, authorID int64, message string, deliveryAt time.Time) (int64, error)
	CampaignByID(ctx context.Context, id int64) (storage.Campaign, error)
	ActiveCampaignsByAuthor(ctx context.Context, authorID int64) ([]storage.Campaign, error)
	UpdateCampaignText(ctx context.Context, id int64, message string) error
	UpdateCampaignSchedule(ctx context.Context, id int64, deliveryAt time.Time) error
	DeleteCampaign(ctx context.Context, id int64) error
	SetCampaignJobsRemaining(ctx context.Context, id int64, n int) error
	MarkCampaignFinished(ctx context.Context, id int64) error

	CreateSurvey(ctx context.Context, authorID int64, question string, choices []string, maxChoices int, startAt, endAt time.Time) (int64, error)
	SurveyByID(ctx context.Context, id int64) (storage.Survey, error)
	ActiveSurveysByAuthor(ctx context.Context, authorID int64) ([]storage.Survey, error)
	UpdateSurveySchedule(ctx context.Context, id int64, startAt, endAt time.Time) error
	DeleteSurvey(ctx context.Context, id int64) error
	SetSurveyJobsRemaining(ctx context.Context, id int64, n int) error
	MarkSurveyFinished(ctx context.Context, id int64) error
	SaveAnswers(ctx context.Context, recipientID, surveyID int64, choiceIDs []int64) error

	DistinctOffsets(ctx context.Context) ([]int, error)
	RecipientByID(ctx context.Context, id int64) (storage.Recipient, error)
}

// Jobs is the scheduling surface the orchestrator needs.
type Jobs interface {
	Add(ctx context.Context, key scheduler.JobKey, payload []byte) error
	RemoveByPrefix(ctx context.Context, prefix string) (int, error)
}

// Progress is a campaign's cumulative delivery state.
type Progress struct {
	Success  int
	Failed   int
	Finished bool
}

type Service struct {
	cfg   Config
	store Store
	jobs  Jobs
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store Store, jobs Jobs, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Window.EndHour <= cfg.Window.StartHour {
		cfg.Window = DefaultWindow
	}
	return &Service{
		cfg:   cfg,
		store: store,
		jobs:  jobs,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateBroadcast persists a message campaign and registers one delivery job
// per distinct run time. With no recipients the campaign is created already
// finished.
func (s *Service) CreateBroadcast(ctx context.Context, authorID int64, message string, deliveryAt time.Time) (int64, error) {
	id, err := s.store.CreateCampaign(ctx, authorID, message, deliveryAt)
	if err != nil {
		return 0, err
	}
	if err := s.registerBroadcastJobs(ctx, id, deliveryAt); err != nil {
		return id, err
	}
	s.log.Info("broadcast created",
		logx.Int64("campaign", id), logx.Int64("author", authorID), logx.Time("delivery_at", deliveryAt))
	return id, nil
}

// registerBroadcastJobs turns the schedule into scheduler entries. Job ids are
// deterministic, so re-running after an edit replaces rather than duplicates.
func (s *Service) registerBroadcastJobs(ctx context.Context, id int64, deliveryAt time.Time) error {
	offsets, err := s.store.DistinctOffsets(ctx)
	if err != nil {
		return err
	}
	if len(offsets) == 0 {
		s.log.Warn("no recipients, campaign finished immediately", logx.Int64("campaign", id))
		return s.store.MarkCampaignFinished(ctx, id)
	}

	groups := GroupRunTimes(offsets, deliveryAt, s.cfg.Window, s.now())
	final := maxRunTime(groups)

	var firstErr error
	registered := 0
	for run, group := range groups {
		payload, err := json.Marshal(delivery.BroadcastArgs{
			CampaignID: id,
			Offsets:    group,
			Final:      run.Equal(final),
		})
		if err != nil {
			return err
		}
		key := scheduler.JobKey{Kind: delivery.KindBroadcast, EntityID: id, Phase: scheduler.PhaseAnnounce, RunAt: run}
		if err := s.jobs.Add(ctx, key, payload); err != nil {
			s.log.Error("job registration failed",
				logx.Int64("campaign", id), logx.Time("run_at", run), logx.Err(err))
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
	if err := s.store.SetCampaignJobsRemaining(ctx, id, registered); err != nil {
		return err
	}
	return firstErr
}

// UpdateBroadcastText edits the message of a not-yet-delivered campaign.
func (s *Service) UpdateBroadcastText(ctx context.Context, id int64, message string) error {
	return s.store.UpdateCampaignText(ctx, id, message)
}

// RescheduleBroadcast moves a campaign to a new delivery time: outstanding
// jobs are cancelled by prefix, the schedule is persisted, and the job set is
// rebuilt. Deterministic ids make the whole operation idempotent.
func (s *Service) RescheduleBroadcast(ctx context.Context, id int64, deliveryAt time.Time) error {
	if _, err := s.jobs.RemoveByPrefix(ctx, scheduler.KeyPrefix(delivery.KindBroadcast, id)); err != nil {
		return err
	}
	if err := s.store.UpdateCampaignSchedule(ctx, id, deliveryAt); err != nil {
		return err
	}
	if err := s.registerBroadcastJobs(ctx, id, deliveryAt); err != nil {
		return err
	}
	s.log.Info("broadcast rescheduled", logx.Int64("campaign", id), logx.Time("delivery_at", deliveryAt))
	return nil
}

// CancelBroadcast cancels outstanding jobs and deletes the campaign. Jobs
// already in flight run to completion; their late increments hit a deleted
// row and are dropped.
func (s *Service) CancelBroadcast(ctx context.Context, id int64) error {
	if _, err := s.jobs.RemoveByPrefix(ctx, scheduler.KeyPrefix(delivery.KindBroadcast, id)); err != nil {
		return err
	}
	if err := s.store.DeleteCampaign(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.log.Info("broadcast cancelled", logx.Int64("campaign", id))
	return nil
}

// BroadcastProgress reports a campaign's cumulative delivery counts.
func (s *Service) BroadcastProgress(ctx context.Context, id int64) (Progress, error) {
	c, err := s.store.CampaignByID(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Success: c.SuccessfulSends, Failed: c.FailedSends, Finished: c.Finished}, nil
}

// ActiveBroadcasts lists the author's campaigns still scheduled or recently
// delivered.
func (s *Service) ActiveBroadcasts(ctx context.Context, authorID int64) ([]storage.Campaign, error) {
	return s.store.ActiveCampaignsByAuthor(ctx, authorID)
}
