package scheduler

import (
	"context"
	"errors"
	"time"

	"deskbot/internal/storage"
	"deskbot/pkg/logx"
)

// Add registers (or replaces) a job. The row is persisted first, then the
// in-process timer is armed; replacing bumps the job's version so callbacks
// from the old timer are ignored.
func (s *Service) Add(ctx context.Context, key JobKey, payload []byte) error {
	id := key.String()
	if key.Kind == "" || key.EntityID == 0 {
		return errors.New("scheduler: incomplete job key")
	}
	row := storage.JobRow{ID: id, Kind: key.Kind, RunAt: key.RunAt.UTC(), Payload: payload}
	if err := s.store.PutJob(ctx, row); err != nil {
		return err
	}
	s.armTimer(row)
	s.log.Debug("job registered", logx.String("job", id), logx.Time("run_at", row.RunAt))
	return nil
}

// Remove cancels one job. Removing an unknown id is not an error.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.disarm(id)
	return nil
}

// RemoveByPrefix bulk-cancels every job whose id starts with prefix.
// Campaign edit and delete flows use this with KeyPrefix.
func (s *Service) RemoveByPrefix(ctx context.Context, prefix string) (int, error) {
	n, err := s.store.DeleteJobsByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	s.tmu.Lock()
	for id, t := range s.timers {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			_ = t.Stop()
			delete(s.timers, id)
			s.ver[id]++
		}
	}
	s.tmu.Unlock()

	if n > 0 {
		s.log.Info("jobs removed", logx.String("prefix", prefix), logx.Int("count", n))
	}
	return n, nil
}

// List enumerates pending jobs, soonest first.
func (s *Service) List(ctx context.Context) ([]JobInfo, error) {
	rows, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]JobInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, JobInfo{ID: row.ID, Kind: row.Kind, RunAt: row.RunAt})
	}
	return out, nil
}

func (s *Service) armTimer(row storage.JobRow) {
	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	if !running {
		// Not started: the row is persisted and will arm on Start().
		return
	}

	s.tmu.Lock()
	if t, ok := s.timers[row.ID]; ok {
		_ = t.Stop()
		delete(s.timers, row.ID)
	}
	ver := s.ver[row.ID] + 1
	s.ver[row.ID] = ver

	delay := row.RunAt.Sub(s.now())
	if delay < 0 {
		grace := s.cfg.PastGrace
		if grace <= 0 {
			grace = defaultPastGrace
		}
		delay = grace
	}

	localRow := row
	localVer := ver
	s.timers[row.ID] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur := s.ver[localRow.ID]
		if cur != localVer {
			// replaced or removed since arming
			s.tmu.Unlock()
			return
		}
		delete(s.timers, localRow.ID)
		s.tmu.Unlock()
		s.enqueue(execution{row: localRow})
	})
	s.tmu.Unlock()
}

func (s *Service) disarm(id string) {
	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.ver[id]++
	s.tmu.Unlock()
}
