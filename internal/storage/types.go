package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrAlreadyAnswered = errors.New("storage: recipient already answered this survey")
	ErrTooManyChoices  = errors.New("storage: too many choices selected")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Campaign is a scheduled message broadcast.
type Campaign struct {
	ID              int64
	AuthorID        int64
	Message         string
	DeliveryAt      time.Time // UTC
	SuccessfulSends int
	FailedSends     int
	JobsRemaining   int
	Finished        bool
	FinishedAt      time.Time // zero unless Finished
	CreatedAt       time.Time
}

// Survey is a multi-phase campaign collecting bounded-choice answers.
type Survey struct {
	ID              int64
	AuthorID        int64
	Question        string
	MaxChoices      int
	StartAt         time.Time // UTC
	EndAt           time.Time // UTC
	SuccessfulSends int
	FailedSends     int
	JobsRemaining   int
	Finished        bool
	FinishedAt      time.Time
	CreatedAt       time.Time
}

type Choice struct {
	ID       int64
	SurveyID int64
	Position int
	Text     string
}

// ChoiceResult is a choice with its vote count, derived at query time.
type ChoiceResult struct {
	Choice
	Votes int
}

type SurveyResults struct {
	Survey  Survey
	Choices []ChoiceResult
}

type Recipient struct {
	ID       int64 // chat id
	TZOffset int   // UTC offset, whole hours
}

// JobRow is a persisted scheduler job.
type JobRow struct {
	ID      string
	Kind    string
	RunAt   time.Time // UTC
	Payload []byte
}
