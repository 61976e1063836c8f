package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"deskbot/pkg/logx"
)

func (s *Service) enqueue(e execution) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; job stays persisted", logx.String("job", e.row.ID))
		return
	}
	select {
	case q <- e:
	default:
		// The row is still in the store; the next sweep retries.
		s.log.Warn("scheduler queue full; deferring job", logx.String("job", e.row.ID), logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan execution, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case e := <-queue:
			s.execOne(ctx, e)
		}
	}
}

func (s *Service) execOne(ctx context.Context, e execution) {
	row := e.row

	// Claim first: whoever deletes the row owns the execution. A job whose
	// row is gone was already run (or cancelled) elsewhere.
	ok, err := s.store.ClaimJob(ctx, row.ID)
	if err != nil {
		s.log.Error("job claim failed", logx.String("job", row.ID), logx.Err(err))
		return
	}
	if !ok {
		s.log.Debug("job already claimed", logx.String("job", row.ID))
		return
	}

	s.mu.Lock()
	h := s.handlers[row.Kind]
	s.mu.Unlock()
	if h == nil {
		s.log.Error("no handler for job kind", logx.String("job", row.ID), logx.String("kind", row.Kind))
		return
	}

	start := time.Now()
	err = runHandler(ctx, h, row.Payload, s.log, row.ID)
	dur := time.Since(start)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", row.ID), logx.Duration("dur", dur), logx.Err(err))
		return
	}
	s.log.Info("job completed", logx.String("job", row.ID), logx.Duration("dur", dur))
}

// runHandler isolates handler panics so one bad job cannot take down the pool.
func runHandler(ctx context.Context, h HandlerFunc, payload []byte, log logx.Logger, jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in job handler", logx.String("job", jobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
