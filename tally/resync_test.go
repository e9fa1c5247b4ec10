// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package tally

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/testutil"
)

func TestResync_RepairsDrift(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	cat := testutil.TestCatalog(t)
	svc := NewService(store, cat, nil, nil)
	resyncer := NewResyncer(store, cat, nil, nil)
	ctx := context.Background()

	for _, table := range []string{"mesa_001", "mesa_003"} {
		_, err := svc.Submit(ctx, SubmitCommand{TableID: table, Fields: scenarioD()})
		require.NoError(t, err)
	}

	report, err := resyncer.Drift(ctx)
	require.NoError(t, err)
	assert.True(t, report.InSync, "differences: %v", report.Differences)

	// simulate a lost delta
	broken := aggregate.Empty(3)
	broken.TablesCounted = 1
	broken.TablesPending = 2
	broken.TotalVotes = 220
	require.NoError(t, store.ReplaceAggregate(ctx, broken, nil, nil))

	report, err = resyncer.Drift(ctx)
	require.NoError(t, err)
	assert.False(t, report.InSync)
	assert.Contains(t, report.Differences, aggregate.FieldDiff{Field: aggregate.CounterTablesCounted, Stored: 1, Expected: 2})

	snap, err := resyncer.Resync(ctx)
	require.NoError(t, err)
	assert.True(t, snap.ManuallySynced)
	assert.Equal(t, 2, snap.TablesCounted)
	assert.Equal(t, 1, snap.TablesPending)
	assert.Equal(t, 440, snap.TotalVotes)
	assert.Equal(t, 240, snap.PerCandidate["cand_1"])

	report, err = resyncer.Drift(ctx)
	require.NoError(t, err)
	assert.True(t, report.InSync, "differences: %v", report.Differences)
	assert.True(t, report.Stored.ManuallySynced)

	progress, err := store.ListStationProgress(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.StationProgress{
		{StationID: "puesto_rural_001", TablesReported: 1},
		{StationID: "puesto_cabecera_001", TablesReported: 1},
	}, progress)
}

func TestResync_Idempotent(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	cat := testutil.TestCatalog(t)
	svc := NewService(store, cat, nil, nil)
	resyncer := NewResyncer(store, cat, nil, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitCommand{TableID: "mesa_002", Fields: scenarioD()})
	require.NoError(t, err)

	first, err := resyncer.Resync(ctx)
	require.NoError(t, err)
	stored1, err := store.GetAggregate(ctx)
	require.NoError(t, err)

	second, err := resyncer.Resync(ctx)
	require.NoError(t, err)
	stored2, err := store.GetAggregate(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, aggregate.Diff(stored1, stored2))
	assert.True(t, stored1.UpdatedAt.Equal(stored2.UpdatedAt))
}

func TestResync_Empty(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	resyncer := NewResyncer(store, testutil.TestCatalog(t), nil, nil)

	snap, err := resyncer.Resync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, snap.TablesCounted)
	assert.Equal(t, 3, snap.TablesPending)
	assert.Equal(t, 0, snap.TotalVotes)
	assert.Zero(t, snap.ProgressPercent)

	progress, err := store.ListStationProgress(context.Background())
	require.NoError(t, err)
	assert.Len(t, progress, 2)
}

// A record whose delta was lost is included by resync and then skipped by
// the relay.
func TestResync_MarksRecordsApplied(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	flaky := &flakyStore{Store: store}
	flaky.failDelta.Store(true)
	cat := testutil.TestCatalog(t)
	svc := NewService(flaky, cat, nil, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitCommand{TableID: "mesa_001", Fields: scenarioD()})
	require.NoError(t, err)

	_, err = NewResyncer(store, cat, nil, nil).Resync(ctx)
	require.NoError(t, err)

	n, err := DeltaRelay{Store: store}.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snap, err := store.GetAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TablesCounted)
	assert.Equal(t, 220, snap.TotalVotes)
}
