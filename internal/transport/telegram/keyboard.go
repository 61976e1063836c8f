package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"deskbot/internal/storage"
	"deskbot/pkg/logx"
)

const voteUnique = "survey_vote"

// SurveyKeyboard builds the inline choice keyboard attached to survey
// deliveries. The signature matches delivery.KeyboardFunc.
func SurveyKeyboard(sv storage.Survey, choices []storage.Choice) any {
	markup := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(choices))
	for _, ch := range choices {
		btn := markup.Data(ch.Text, voteUnique, fmt.Sprintf("%d|%d", sv.ID, ch.ID))
		rows = append(rows, markup.Row(btn))
	}
	markup.Inline(rows...)
	return markup
}

// Answerer records a recipient's vote.
type Answerer interface {
	Answer(ctx context.Context, recipientID, surveyID int64, choiceIDs []int64) error
}

// HandleVotes binds the survey keyboard callbacks to the vote recorder.
// Each tap submits one choice; multi-select flows call Answer directly
// with the full set.
func (a *Adapter) HandleVotes(svc Answerer) {
	a.bot.Handle(&tele.Btn{Unique: voteUnique}, func(c tele.Context) error {
		surveyID, choiceID, err := parseVoteData(c.Data())
		if err != nil {
			a.log.Warn("malformed vote callback", logx.String("data", c.Data()), logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = svc.Answer(ctx, c.Sender().ID, surveyID, []int64{choiceID})
		switch {
		case errors.Is(err, storage.ErrAlreadyAnswered):
			return c.Respond(&tele.CallbackResponse{Text: "You have already voted."})
		case errors.Is(err, storage.ErrNotFound):
			return c.Respond(&tele.CallbackResponse{Text: "This survey is closed."})
		case err != nil:
			a.log.Error("vote not recorded",
				logx.Int64("survey", surveyID), logx.Int64("recipient", c.Sender().ID), logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Could not record your vote, try again."})
		}
		return c.Respond(&tele.CallbackResponse{Text: "Vote recorded, thank you!"})
	})
}

func parseVoteData(data string) (surveyID, choiceID int64, err error) {
	left, right, ok := strings.Cut(data, "|")
	if !ok {
		return 0, 0, fmt.Errorf("vote data %q: missing separator", data)
	}
	if surveyID, err = strconv.ParseInt(left, 10, 64); err != nil {
		return 0, 0, err
	}
	if choiceID, err = strconv.ParseInt(right, 10, 64); err != nil {
		return 0, 0, err
	}
	return surveyID, choiceID, nil
}
