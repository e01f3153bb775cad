package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PruneStore deletes rows created before the cutoff.
type PruneStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner 按保留期定时清理过期投递记录
type Cleaner struct {
	store     PruneStore
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewCleaner(store PruneStore, retention, interval time.Duration, logger *zap.Logger) *Cleaner {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, pruning once per interval. The
// first pass runs immediately so a restart does not postpone overdue
// cleanup by a full interval.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.prune(ctx)
		}
	}
}

func (c *Cleaner) prune(ctx context.Context) {
	cutoff := c.now().Add(-c.retention)
	deleted, err := c.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		c.logger.Error("Delivery log cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		c.logger.Info("Pruned aged delivery log rows",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}
