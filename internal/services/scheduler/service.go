package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"deskbot/pkg/logx"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 256
	defaultSyncEvery = time.Minute
	defaultPastGrace = 2 * time.Second
)

func New(cfg Config, store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: map[string]HandlerFunc{},
		timers:   map[string]*time.Timer{},
		ver:      map[string]uint64{},
	}
}

// SetClock replaces the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RegisterHandler binds a job kind to its executor. Register everything
// before Start: rows of an unknown kind found at startup are logged and
// skipped until the next sweep.
func (s *Service) RegisterHandler(kind string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Cron registers a recurring maintenance task on the scheduler's cron
// instance. Register before Start; spec uses robfig/cron syntax.
func (s *Service) Cron(spec, name string, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons = append(s.crons, cronEntry{spec: spec, name: name, fn: fn})
}

func (s *Service) Start(ctx context.Context) error {
	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop and try again
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	// Fresh queue per run to avoid executing stale enqueued work after a stop/start toggle.
	s.queue = make(chan execution, queueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	syncEvery := s.cfg.SyncEvery
	if syncEvery <= 0 {
		syncEvery = defaultSyncEvery
	}
	s.c = cron.New()
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", syncEvery), func() { s.sweep(runCtx) }); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("register sweep: %w", err)
	}
	for _, ce := range s.crons {
		entry := ce
		if _, err := s.c.AddFunc(entry.spec, func() { entry.fn(runCtx) }); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("register cron %q: %w", entry.name, err)
		}
	}
	s.c.Start()
	s.mu.Unlock()

	// Rebuild timers from persisted rows.
	rows, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}
	for _, row := range rows {
		s.armTimer(row)
	}

	s.log.Info("service started", logx.Int("workers", workers), logx.Int("jobs", len(rows)), logx.Duration("sync_every", syncEvery))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// Stop runtime timers; rows persist so they re-arm on the next Start().
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	// Finalize cleanup in background so Stop() can return on timeout safely.
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// sweep re-enqueues due rows whose in-process timer is gone (restart races,
// clock adjustments, rows written by another actor). Claiming makes the
// overlap with live timers harmless.
func (s *Service) sweep(ctx context.Context) {
	rows, err := s.store.DueJobs(ctx, s.now())
	if err != nil {
		s.log.Warn("sweep failed", logx.Err(err))
		return
	}
	for _, row := range rows {
		s.tmu.Lock()
		_, armed := s.timers[row.ID]
		s.tmu.Unlock()
		if armed {
			continue
		}
		s.log.Debug("sweep picked up job", logx.String("job", row.ID), logx.Time("run_at", row.RunAt))
		s.enqueue(execution{row: row})
	}
}
