package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/pkg/logx"
)

const (
	reminderPrefix = "Reminder: this survey closes in %s. If you have not voted yet, please do.\n\n"
	resultHeader   = "Survey #%d results: %s\n"
	resultLine     = "%.2f%% (%d votes): %s"
	resultNotReady = "Survey #%d (%s) has no responses yet."
)

// RunAnnounce delivers the survey question with its choice keyboard to every
// recipient in the given buckets.
func (s *Service) RunAnnounce(ctx context.Context, surveyID int64, offsets []int, final bool) error {
	return s.runSurveyFanOut(ctx, surveyID, offsets, final, "", s.store.RecipientsByOffset)
}

// RunReminder re-delivers the survey to recipients who have not answered yet.
// remindIn is the human label of the remaining time ("1 day", "7 days").
func (s *Service) RunReminder(ctx context.Context, surveyID int64, offsets []int, remindIn string, final bool) error {
	pages := func(ctx context.Context, offset, pageSize, page int) ([]int64, error) {
		return s.store.UnansweredByOffset(ctx, surveyID, offset, pageSize, page)
	}
	return s.runSurveyFanOut(ctx, surveyID, offsets, final, remindIn, pages)
}

func (s *Service) runSurveyFanOut(ctx context.Context, surveyID int64, offsets []int, final bool, remindIn string, pages pageFunc) error {
	sv, err := s.store.SurveyByID(ctx, surveyID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("survey vanished before delivery", logx.Int64("survey", surveyID))
		return nil
	}
	if err != nil {
		return err
	}
	choices, err := s.store.SurveyChoices(ctx, surveyID)
	if err != nil {
		return err
	}

	text := sv.Question
	phase := "announce"
	if remindIn != "" {
		text = fmt.Sprintf(reminderPrefix, remindIn) + text
		phase = "reminder"
	}
	parts := transport.SplitMessage(text, transport.MaxMessageLen)
	opt := &transport.SendOptions{ParseMode: s.cfg.ParseMode}
	if s.keyboard != nil {
		opt.Keyboard = s.keyboard(sv, choices)
	}

	log := s.log.With(logx.Int64("survey", surveyID), logx.String("phase", phase), logx.Bool("final", final))
	log.Info("survey delivery started", logx.Any("offsets", offsets))

	succ, fail := s.fanOut(ctx, log, offsets, pages, parts, opt)

	if err := s.store.ApplySurveyProgress(ctx, surveyID, succ, fail); err != nil {
		log.Error("progress update failed", logx.Int("success", succ), logx.Int("failed", fail), logx.Err(err))
		return err
	}
	log.Info("survey delivery finished", logx.Int("success", succ), logx.Int("failed", fail))
	return nil
}

// SendResult delivers the vote summary to the survey's author only.
func (s *Service) SendResult(ctx context.Context, surveyID int64) error {
	res, err := s.store.SurveyResultsByID(ctx, surveyID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("survey vanished before result delivery", logx.Int64("survey", surveyID))
		return nil
	}
	if err != nil {
		return err
	}

	text := FormatResults(res)
	parts := transport.SplitMessage(text, transport.MaxMessageLen)
	opt := &transport.SendOptions{ParseMode: s.cfg.ParseMode}

	if err := s.sendOne(ctx, res.Survey.AuthorID, parts, opt); err != nil {
		s.log.Warn("result delivery failed", logx.Int64("survey", surveyID), logx.Int64("author", res.Survey.AuthorID), logx.Err(err))
		return err
	}
	s.log.Info("result delivered", logx.Int64("survey", surveyID), logx.Int64("author", res.Survey.AuthorID))
	return nil
}

// FormatResults renders the per-choice percentage summary.
func FormatResults(res storage.SurveyResults) string {
	total := 0
	for _, c := range res.Choices {
		total += c.Votes
	}
	if total < 1 {
		return fmt.Sprintf(resultNotReady, res.Survey.ID, res.Survey.Question)
	}

	var b strings.Builder
	fmt.Fprintf(&b, resultHeader, res.Survey.ID, res.Survey.Question)
	for i, c := range res.Choices {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, resultLine, float64(c.Votes)/float64(total)*100, c.Votes, c.Text)
	}
	return b.String()
}
