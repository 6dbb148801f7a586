// Package maintenance runs periodic housekeeping over the persistent KV:
// expired cache entries are only removed lazily on read, so this worker
// sweeps the rest.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultInterval = time.Minute

// Purger removes entries that expired before now.
type Purger interface {
	PurgeExpired(now time.Time) (int, error)
}

// Worker purges expired entries on a fixed interval.
type Worker struct {
	purger   Purger
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to one minute.
func NewWorker(p Purger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		purger:   p,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Warn("maintenance pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs a single sweep and returns the number of entries removed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.purger.PurgeExpired(w.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}
	if n > 0 {
		w.logger.Debug("purged expired entries", "count", n)
	}
	return n, nil
}
