package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"deskbot/pkg/logx"
)

// Enroller stores recipients and their UTC offsets.
type Enroller interface {
	UpsertRecipient(ctx context.Context, id int64, tzOffset int) error
}

// HandleEnrollment binds the subscription commands. New chats join the
// UTC bucket until they set an offset.
func (a *Adapter) HandleEnrollment(svc Enroller) {
	a.bot.Handle("/start", func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.UpsertRecipient(ctx, c.Sender().ID, 0); err != nil {
			a.log.Error("enrollment failed", logx.Int64("recipient", c.Sender().ID), logx.Err(err))
			return c.Send("Could not subscribe you, try again later.")
		}
		return c.Send("You are subscribed to announcements. Set your timezone with /timezone <utc offset>.")
	})

	a.bot.Handle("/timezone", func(c tele.Context) error {
		off, err := strconv.Atoi(strings.TrimSpace(c.Message().Payload))
		if err != nil || off < -12 || off > 14 {
			return c.Send("Usage: /timezone <hours>, e.g. /timezone 3")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.UpsertRecipient(ctx, c.Sender().ID, off); err != nil {
			a.log.Error("timezone update failed", logx.Int64("recipient", c.Sender().ID), logx.Err(err))
			return c.Send("Could not save your timezone, try again later.")
		}
		return c.Send(fmt.Sprintf("Timezone saved: UTC%+d.", off))
	})
}
