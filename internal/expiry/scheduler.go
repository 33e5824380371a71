package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/eteran/stash/internal/storage"
)

// Scheduler runs DeleteOldCache on a fixed interval.
type Scheduler struct {
	Storage     storage.Storage
	Interval    time.Duration
	CutoffHours float64

	// OnResult, when set, is called after every run with the sweep's
	// wall-clock duration.
	OnResult func(Result, time.Duration, error)
}

// Run sweeps every Interval until ctx is done. A failed sweep is logged and
// retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		slog.Info("Expiry scheduler disabled")
		return nil
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	slog.Info("Expiry scheduler started", "interval", s.Interval, "cutoffHours", s.CutoffHours)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep, then compacts backends with native
// expiry.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	result, err := DeleteOldCache(ctx, s.Storage, Options{CutoffHours: s.CutoffHours})
	if err != nil {
		slog.Error("Expiry sweep failed", "pages", result.Pages, "deleted", result.Deleted, "err", err)
	} else {
		slog.Info("Expiry sweep finished",
			"pages", result.Pages,
			"scanned", result.Scanned,
			"deleted", result.Deleted,
			"duration", time.Since(start),
		)
	}

	if purger, ok := s.Storage.(storage.Purger); ok {
		if n, purgeErr := purger.PurgeExpired(ctx); purgeErr != nil {
			slog.Warn("Purge expired keys", "err", purgeErr)
		} else if n > 0 {
			slog.Info("Purged expired keys", "count", n)
		}
	}

	if s.OnResult != nil {
		s.OnResult(result, time.Since(start), err)
	}

	return result, err
}
