package affinity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunGC runs the retain pass on gcInterval until ctx is cancelled (§4.3).
// Cancellation-safe: the ticker is stopped and the goroutine returns
// immediately on ctx.Done, leaking nothing.
func (t *Table) RunGC(ctx context.Context, ttl, gcInterval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := t.CleanupExpired(ttl)
			if removed > 0 {
				logger.Debug("affinity: gc removed expired bindings", zap.Int("removed", removed))
			}
		}
	}
}
