package delivery

import (
	"context"
	"errors"

	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/pkg/logx"
)

// pageFunc yields one page of recipient ids for a timezone bucket.
type pageFunc func(ctx context.Context, offset, pageSize, page int) ([]int64, error)

// RunBroadcast delivers a message campaign to the given timezone buckets.
// Per-recipient failures are counted, never fatal; the accumulated counts are
// applied to the campaign in one relative update at the end.
func (s *Service) RunBroadcast(ctx context.Context, campaignID int64, offsets []int, final bool) error {
	c, err := s.store.CampaignByID(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted after scheduling; nothing to deliver.
		s.log.Warn("campaign vanished before delivery", logx.Int64("campaign", campaignID))
		return nil
	}
	if err != nil {
		return err
	}

	parts := transport.SplitMessage(c.Message, transport.MaxMessageLen)
	opt := &transport.SendOptions{ParseMode: s.cfg.ParseMode}

	log := s.log.With(logx.Int64("campaign", campaignID), logx.Bool("final", final))
	log.Info("broadcast started", logx.Any("offsets", offsets))

	succ, fail := s.fanOut(ctx, log, offsets, s.store.RecipientsByOffset, parts, opt)

	if err := s.store.ApplyCampaignProgress(ctx, campaignID, succ, fail); err != nil {
		// Counts for this invocation are lost; committed counts stay intact.
		log.Error("progress update failed", logx.Int("success", succ), logx.Int("failed", fail), logx.Err(err))
		return err
	}
	log.Info("broadcast finished", logx.Int("success", succ), logx.Int("failed", fail))
	return nil
}

// fanOut walks every bucket page by page and returns the invocation's counts.
func (s *Service) fanOut(ctx context.Context, log logx.Logger, offsets []int, pages pageFunc, parts []string, opt *transport.SendOptions) (succ, fail int) {
	for _, offset := range offsets {
		bucketSucc, bucketFail := s.sendBucket(ctx, log, offset, pages, parts, opt)
		succ += bucketSucc
		fail += bucketFail
		if ctx.Err() != nil {
			break
		}
	}
	return succ, fail
}

func (s *Service) sendBucket(ctx context.Context, log logx.Logger, offset int, pages pageFunc, parts []string, opt *transport.SendOptions) (succ, fail int) {
	log.Debug("bucket started", logx.Int("offset", offset))
	for page := 1; ; page++ {
		ids, err := pages(ctx, offset, s.cfg.PageSize, page)
		if err != nil {
			log.Error("recipient page failed", logx.Int("offset", offset), logx.Int("page", page), logx.Err(err))
			return succ, fail
		}
		if len(ids) == 0 {
			return succ, fail
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return succ, fail
			}
			if err := s.sendOne(ctx, id, parts, opt); err != nil {
				if !transport.IsTransient(err) && ctx.Err() != nil {
					return succ, fail
				}
				log.Debug("send failed", logx.Int64("recipient", id), logx.Err(err))
				fail++
				continue
			}
			succ++
		}
	}
}

// sendOne throttles by the number of parts so multi-part messages spend a
// proportional share of the rate budget, then delivers all parts in order.
func (s *Service) sendOne(ctx context.Context, recipient int64, parts []string, opt *transport.SendOptions) error {
	n := len(parts)
	if n < 1 {
		n = 1
	}
	if err := s.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	return s.gateway.Send(ctx, recipient, parts, opt)
}
