// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package tally

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/metrics"
	"github.com/danielhkuo/escrutinio/models"
)

// Resyncer rebuilds the aggregate from the full record set. It is an
// administrative operation: records created while it runs may be missed,
// and running it again repairs that.
type Resyncer struct {
	store   Store
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewResyncer(store Store, cat *catalog.Catalog, m *metrics.Metrics, logger *slog.Logger) *Resyncer {
	return &Resyncer{store: store, catalog: cat, metrics: m, logger: resolveLogger(logger)}
}

// DriftReport compares the stored aggregate with a fresh fold.
type DriftReport struct {
	Stored      models.AggregateSnapshot `json:"stored"`
	Expected    models.AggregateSnapshot `json:"expected"`
	Differences []aggregate.FieldDiff    `json:"differences"`
	InSync      bool                     `json:"in_sync"`
}

// Expected folds every record into the aggregate they imply, without
// writing anything.
func (r *Resyncer) Expected(ctx context.Context) (models.AggregateSnapshot, []models.TallyRecord, error) {
	records, err := r.store.ListTallies(ctx)
	if err != nil {
		return models.AggregateSnapshot{}, nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return aggregate.Fold(records, r.catalog.TotalTables()), records, nil
}

// Resync replaces the aggregate and station progress with values
// recomputed from the records. Running it twice over unchanged records
// writes the same snapshot.
func (r *Resyncer) Resync(ctx context.Context) (models.AggregateSnapshot, error) {
	snap, records, err := r.Expected(ctx)
	if err != nil {
		return models.AggregateSnapshot{}, err
	}
	snap.ManuallySynced = true

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.TableID
	}

	if err := r.store.ReplaceAggregate(ctx, snap, r.progress(records), ids); err != nil {
		return models.AggregateSnapshot{}, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	r.metrics.Resync()
	r.metrics.TablesCounted(snap.TablesCounted)
	r.logger.Info("aggregate resynced",
		"tables_counted", snap.TablesCounted,
		"tables_pending", snap.TablesPending,
		"total_votes", snap.TotalVotes,
	)
	return snap, nil
}

// progress counts records per station. Every catalog station is listed,
// stations only seen in records are appended in id order.
func (r *Resyncer) progress(records []models.TallyRecord) []models.StationProgress {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.StationID]++
	}

	var out []models.StationProgress
	for _, st := range r.catalog.Stations() {
		out = append(out, models.StationProgress{StationID: st.ID, TablesReported: counts[st.ID]})
		delete(counts, st.ID)
	}

	extra := make([]string, 0, len(counts))
	for id := range counts {
		extra = append(extra, id)
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, models.StationProgress{StationID: id, TablesReported: counts[id]})
	}
	return out
}

// Drift reports counters where the stored aggregate disagrees with the
// records. It never repairs anything.
func (r *Resyncer) Drift(ctx context.Context) (DriftReport, error) {
	stored, err := r.store.GetAggregate(ctx)
	if err != nil {
		return DriftReport{}, fmt.Errorf("load aggregate: %w", err)
	}
	expected, _, err := r.Expected(ctx)
	if err != nil {
		return DriftReport{}, err
	}

	diffs := aggregate.Diff(stored, expected)
	if diffs == nil {
		diffs = []aggregate.FieldDiff{}
	}
	return DriftReport{
		Stored:      stored,
		Expected:    expected,
		Differences: diffs,
		InSync:      len(diffs) == 0,
	}, nil
}
