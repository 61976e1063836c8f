package transport

import (
	"context"
	"errors"
	"fmt"
)

// MaxMessageLen is Telegram's message size limit in runes. Other transports
// may pass their own limit to SplitMessage; campaign content is stored whole
// and split at send time.
const MaxMessageLen = 4096

type SendOptions struct {
	ParseMode string
	// Keyboard is adapter-specific reply markup (Telegram: *telebot.ReplyMarkup).
	Keyboard any
}

// TransientError marks a per-recipient delivery failure that the sender
// counts and skips past instead of aborting the batch.
type TransientError struct {
	Recipient int64
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("delivery to %d failed: %v", e.Recipient, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a per-recipient delivery failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Gateway delivers rendered content to a single recipient.
//
// Send must deliver parts in order; a failure on any part fails the whole
// recipient. Implementations wrap retryable platform errors in *TransientError.
type Gateway interface {
	Send(ctx context.Context, recipient int64, parts []string, opt *SendOptions) error
}
