package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"deskbot/internal/transport"
	"deskbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	ParseMode   string // default parse mode for campaign content
}

// Adapter implements transport.Gateway on top of the Telegram Bot API.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying client so the surrounding application can attach
// its conversational handlers. The scheduling core only uses Send.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Start begins long polling and blocks until Stop is called.
func (a *Adapter) Start() { a.bot.Start() }

func (a *Adapter) Stop() { a.bot.Stop() }

func (a *Adapter) Send(ctx context.Context, recipient int64, parts []string, opt *transport.SendOptions) error {
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(tele.ChatID(recipient), part, a.sendOptions(opt)); err != nil {
			a.log.Debug("telegram send failed",
				logx.Int64("recipient", recipient),
				logx.Int("part", i),
				logx.Err(err))
			return classify(recipient, err)
		}
	}
	return nil
}

func (a *Adapter) sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	out := &tele.SendOptions{ParseMode: a.cfg.ParseMode}
	if opt == nil {
		return out
	}
	if opt.ParseMode != "" {
		out.ParseMode = opt.ParseMode
	}
	if rm, ok := opt.Keyboard.(*tele.ReplyMarkup); ok {
		out.ReplyMarkup = rm
	}
	return out
}

// classify wraps Telegram API failures as per-recipient transient errors.
// A blocked bot, a deleted account or a flood wait should never abort the
// rest of a batch.
func classify(recipient int64, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.TransientError{Recipient: recipient, Err: err}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return &transport.TransientError{Recipient: recipient, Err: err}
	}
	return err
}
