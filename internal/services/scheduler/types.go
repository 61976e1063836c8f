package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deskbot/internal/storage"
	"deskbot/pkg/logx"
)

type Config struct {
	Workers   int
	QueueSize int
	SyncEvery time.Duration // periodic store re-sync sweep
	PastGrace time.Duration // delay applied to jobs already due at arm time
}

// HandlerFunc executes one due job. Payload is the serialized arguments the
// job was registered with.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Store is the persistence surface the scheduler needs.
type Store interface {
	PutJob(ctx context.Context, row storage.JobRow) error
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsByPrefix(ctx context.Context, prefix string) (int, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context) ([]storage.JobRow, error)
	DueJobs(ctx context.Context, before time.Time) ([]storage.JobRow, error)
}

type JobInfo struct {
	ID    string
	Kind  string
	RunAt time.Time
}

type execution struct {
	row storage.JobRow
}

// cronEntry is a recurring maintenance task registered before Start.
type cronEntry struct {
	spec string
	name string
	fn   func(context.Context)
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	store Store
	log   logx.Logger
	now   func() time.Time

	handlers map[string]HandlerFunc
	crons    []cronEntry

	queue  chan execution
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	c *cron.Cron

	// one-shot timers; ver kills callbacks from replaced or removed jobs
	tmu    sync.Mutex
	timers map[string]*time.Timer
	ver    map[string]uint64
}
