package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the job execution service.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - sync_every: "1m"
type SchedulerConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	SyncEvery string `json:"sync_every,omitempty"` // Go duration string
}

// DeliveryConfig controls fan-out pacing and the business-hours window
// recipients may be contacted in (whole local hours, end exclusive).
type DeliveryConfig struct {
	PageSize       int `json:"page_size,omitempty"`
	RatePerSec     int `json:"rate_per_sec,omitempty"`
	WorkHoursStart int `json:"work_hours_start,omitempty"`
	WorkHoursEnd   int `json:"work_hours_end,omitempty"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.sync_every", c.Scheduler.SyncEvery); err != nil {
		return err
	}
	s, e := c.Delivery.WorkHoursStart, c.Delivery.WorkHoursEnd
	if s != 0 || e != 0 {
		if s < 0 || e > 24 || e <= s {
			return fmt.Errorf("delivery.work_hours: invalid window [%d, %d)", s, e)
		}
	}
	return nil
}

func (t TelegramConfig) PollTimeoutOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func (s SchedulerConfig) SyncEveryOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("scheduler.sync_every", s.SyncEvery, def)
	if err != nil {
		return def
	}
	return d
}

// ParseDurationField parses a duration-string config field. An empty field
// parses to zero so callers can tell "unset" from an explicit value; negative
// durations are rejected. path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for fields
// left unset.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
