// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package tally

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/metrics"
)

// DeltaRelay applies the deltas of records whose fan-out did not reach the
// aggregate. Applying is idempotent per record, so the relay can run next
// to live submissions.
type DeltaRelay struct {
	Store     Store
	BatchSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// RunOnce applies one batch and returns how many deltas it applied.
func (r DeltaRelay) RunOnce(ctx context.Context) (int, error) {
	logger := resolveLogger(r.Logger)
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}

	pending, err := r.Store.ListPendingTallies(ctx, limit)
	if err != nil {
		logger.Error("relay list failed", "error", err)
		return 0, err
	}

	applied := 0
	for _, rec := range pending {
		ok, err := r.Store.ApplyDelta(ctx, rec.TableID, aggregate.DeltaFor(rec), rec.SubmittedAt)
		if err != nil {
			logger.Error("relay apply failed", "table_id", rec.TableID, "error", err)
			r.Metrics.RelayApplied(applied)
			return applied, err
		}
		if ok {
			applied++
		}
	}

	if applied > 0 {
		logger.Info("relay applied pending deltas", "count", applied)
	}
	r.Metrics.RelayApplied(applied)
	return applied, nil
}

// Run calls RunOnce every interval until ctx is done. Errors are logged
// and retried on the next tick.
func (r DeltaRelay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}
