package store

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = time.Minute

// Sweeper purges expired entries on a fixed interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(s Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: s, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	n, err := w.store.Sweep(sweepCtx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Debug("swept expired entries", "removed", n)
	}
}
