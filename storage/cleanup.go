/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"context"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"
)

// DefaultCleanupInterval is the default period of the cleanup sweep.
const DefaultCleanupInterval = 5 * time.Minute

// NewCleanupWorker returns a periodic worker that sweeps expired entries from
// the backend. Cleanup failures are logged, not fatal: the next tick retries.
// The worker communicates with the request path solely through the Backend
// interface and holds no shared locks.
func NewCleanupWorker(backend Backend, interval time.Duration, logger log.FieldLogger) *service.PeriodicWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
		removed, err := backend.CleanupExpired(ctx)
		if err != nil {
			logger.Error("cleanup of expired rate limit state failed", log.Error(err))
			return nil
		}
		if removed > 0 {
			logger.Info("cleaned up expired rate limit state", log.Int("removed_entries", removed))
		}
		return nil
	}), interval, logger)
}
