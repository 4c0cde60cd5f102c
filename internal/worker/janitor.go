package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"notebot/internal/storage"
)

type PruneStore interface {
	PruneResolvedApprovals(ctx context.Context, cutoff time.Time) (int64, error)
	PruneCachedResponses(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ PruneStore = (*storage.Store)(nil)

// Janitor drops answered approval requests and stale cached answers.
// A zero retention keeps that kind of row forever.
type Janitor struct {
	Store             PruneStore
	Interval          time.Duration
	ApprovalRetention time.Duration
	CacheRetention    time.Duration
	Logger            zerolog.Logger
	Now               func() time.Time
}

func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	t := now().UTC()
	if j.ApprovalRetention > 0 {
		n, err := j.Store.PruneResolvedApprovals(ctx, t.Add(-j.ApprovalRetention))
		if err != nil {
			j.Logger.Error().Err(err).Msg("prune approvals failed")
		} else if n > 0 {
			j.Logger.Info().Int64("deleted", n).Msg("pruned resolved approvals")
		}
	}
	if j.CacheRetention > 0 {
		n, err := j.Store.PruneCachedResponses(ctx, t.Add(-j.CacheRetention))
		if err != nil {
			j.Logger.Error().Err(err).Msg("prune response cache failed")
		} else if n > 0 {
			j.Logger.Info().Int64("deleted", n).Msg("pruned cached responses")
		}
	}
}
