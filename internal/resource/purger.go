package resource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"goflare.io/cinder/internal/config"
)

// Purger periodically evicts resources that have been purgeable for longer
// than the idle timeout.
type Purger struct {
	cache    *Cache
	logger   *zap.Logger
	interval time.Duration
	idle     time.Duration
	now      func() time.Time
}

// NewPurger creates a Purger for cache.
func NewPurger(cache *Cache, cfg *config.Config) *Purger {
	return &Purger{
		cache:    cache,
		logger:   cfg.Logger,
		interval: cfg.PurgeInterval,
		idle:     cfg.IdleTimeout,
		now:      time.Now,
	}
}

// Run purges on every tick until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.purgeIdle(ctx)
		case <-ctx.Done():
			p.logger.Debug("Stopping purger due to context cancellation")
			return
		}
	}
}

func (p *Purger) purgeIdle(ctx context.Context) int {
	return p.cache.PurgeResourcesNotUsedSince(ctx, p.now().Add(-p.idle))
}
