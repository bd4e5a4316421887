package ttl

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Purger represents the sweep behavior needed by the worker.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Start launches a periodic expiry sweep across all tiers. Lazy expiry on
// read handles correctness; this worker just reclaims space for items
// nobody reads again.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, purger Purger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("ttl sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("ttl sweep removed expired items", "count", n)
			}
		}
	}
}
