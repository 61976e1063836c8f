package delivery

import (
	"context"

	"golang.org/x/time/rate"

	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/pkg/logx"
)

type Config struct {
	PageSize   int
	RatePerSec int
	ParseMode  string
}

// Store is the persistence surface the sender needs.
type Store interface {
	CampaignByID(ctx context.Context, id int64) (storage.Campaign, error)
	ApplyCampaignProgress(ctx context.Context, id int64, successDelta, failureDelta int) error

	SurveyByID(ctx context.Context, id int64) (storage.Survey, error)
	SurveyChoices(ctx context.Context, surveyID int64) ([]storage.Choice, error)
	ApplySurveyProgress(ctx context.Context, id int64, successDelta, failureDelta int) error
	SurveyResultsByID(ctx context.Context, surveyID int64) (storage.SurveyResults, error)

	RecipientsByOffset(ctx context.Context, offset, pageSize, page int) ([]int64, error)
	UnansweredByOffset(ctx context.Context, surveyID int64, offset, pageSize, page int) ([]int64, error)
}

// KeyboardFunc builds adapter-specific survey reply markup. Nil disables
// keyboards (useful in tests and non-interactive transports).
type KeyboardFunc func(survey storage.Survey, choices []storage.Choice) any

type Service struct {
	cfg      Config
	store    Store
	gateway  transport.Gateway
	keyboard KeyboardFunc
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(cfg Config, store Store, gateway transport.Gateway, keyboard KeyboardFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		keyboard: keyboard,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
	}
}

// SetRate adjusts the send throttle at runtime (config hot reload).
func (s *Service) SetRate(perSec int) {
	if perSec > 0 {
		s.limiter.SetLimit(rate.Limit(perSec))
		s.limiter.SetBurst(perSec)
	}
}
