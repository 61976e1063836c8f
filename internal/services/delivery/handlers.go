package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"deskbot/internal/services/scheduler"
)

// Job kinds. The phase lives in the payload, so one prefix covers every job
// of an entity, result delivery included.
const (
	KindBroadcast = "broadcast"
	KindSurvey    = "survey"
)

// BroadcastArgs is the payload of a broadcast delivery job.
type BroadcastArgs struct {
	CampaignID int64 `json:"campaign_id"`
	Offsets    []int `json:"offsets"`
	Final      bool  `json:"final"`
}

// SurveyArgs is the payload of a survey job. Phase selects what the job does:
// announce and reminder deliver the question, result sends the summary to the
// author. RemindIn is the human label of the time left, reminder phase only.
type SurveyArgs struct {
	SurveyID int64           `json:"survey_id"`
	Phase    scheduler.Phase `json:"phase"`
	Offsets  []int           `json:"offsets,omitempty"`
	RemindIn string          `json:"remind_in,omitempty"`
	Final    bool            `json:"final"`
}

// HandlerRegistry is the part of the scheduler handlers bind to.
type HandlerRegistry interface {
	RegisterHandler(kind string, h scheduler.HandlerFunc)
}

// RegisterHandlers binds the delivery service to the scheduler's job kinds.
func (s *Service) RegisterHandlers(reg HandlerRegistry) {
	reg.RegisterHandler(KindBroadcast, s.handleBroadcast)
	reg.RegisterHandler(KindSurvey, s.handleSurvey)
}

func (s *Service) handleBroadcast(ctx context.Context, payload []byte) error {
	var args BroadcastArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("decode broadcast args: %w", err)
	}
	return s.RunBroadcast(ctx, args.CampaignID, args.Offsets, args.Final)
}

func (s *Service) handleSurvey(ctx context.Context, payload []byte) error {
	var args SurveyArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("decode survey args: %w", err)
	}
	switch args.Phase {
	case scheduler.PhaseAnnounce:
		return s.RunAnnounce(ctx, args.SurveyID, args.Offsets, args.Final)
	case scheduler.PhaseReminder:
		return s.RunReminder(ctx, args.SurveyID, args.Offsets, args.RemindIn, args.Final)
	case scheduler.PhaseResult:
		return s.SendResult(ctx, args.SurveyID)
	default:
		return fmt.Errorf("unknown survey phase %q", args.Phase)
	}
}
