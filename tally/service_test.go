// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package tally

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/reconcile"
	"github.com/danielhkuo/escrutinio/testutil"
)

// flakyStore fails selected fan-out steps.
type flakyStore struct {
	*db.Store
	failDelta    atomic.Bool
	failProgress bool
	failEvidence bool
}

func (f *flakyStore) ApplyDelta(ctx context.Context, tableID string, d models.AggregateDelta, at time.Time) (bool, error) {
	if f.failDelta.Load() {
		return false, errors.New("connection reset")
	}
	return f.Store.ApplyDelta(ctx, tableID, d, at)
}

func (f *flakyStore) IncrementStationProgress(ctx context.Context, stationID string) (int, error) {
	if f.failProgress {
		return 0, errors.New("connection reset")
	}
	return f.Store.IncrementStationProgress(ctx, stationID)
}

func (f *flakyStore) SaveEvidence(ctx context.Context, ev models.Evidence) error {
	if f.failEvidence {
		return errors.New("bucket unavailable")
	}
	return f.Store.SaveEvidence(ctx, ev)
}

func setup(t *testing.T) (*Service, *db.Store) {
	t.Helper()
	store := testutil.SetupTestStore(t, nil)
	return NewService(store, testutil.TestCatalog(t), nil, nil), store
}

func scenarioD() models.TallyFields {
	return models.TallyFields{
		RegisteredVoters: 250,
		UrnVotes:         220,
		PerCandidate:     map[string]int{"cand_1": 120, "cand_2": 80},
		Blank:            10,
		Null:             5,
		Unmarked:         5,
	}
}

func TestSubmit_Accepted(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitCommand{
		TableID:       "mesa_001",
		StationID:     "puesto_rural_001",
		Fields:        scenarioD(),
		SubmitterID:   "uid-1",
		SubmitterName: "Testigo Uno",
		Evidence:      [][]byte{[]byte("jpeg-1"), []byte("jpeg-2")},
	})
	require.NoError(t, err)

	assert.True(t, res.AggregateApplied)
	assert.Empty(t, res.FailedSteps)
	assert.Equal(t, 220, res.Record.Total)
	assert.Equal(t, 1, res.Record.GlobalNumber)
	assert.Equal(t, 2, res.Record.EvidenceCount)
	assert.True(t, res.Record.HasEvidence)
	assert.Equal(t, reconcile.StateNormal, res.Validation.State)

	snap, err := store.GetAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TablesCounted)
	assert.Equal(t, 2, snap.TablesPending)
	assert.Equal(t, 220, snap.TotalVotes)
	assert.Equal(t, 120, snap.PerCandidate["cand_1"])
	assert.Equal(t, 80, snap.PerCandidate["cand_2"])
	assert.Equal(t, 10, snap.Blank)
	assert.Equal(t, 5, snap.Null)
	assert.Equal(t, 5, snap.Unmarked)

	progress, err := store.ListStationProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.StationProgress{{StationID: "puesto_rural_001", TablesReported: 1}}, progress)

	n, err := store.CountEvidence(ctx, "mesa_001")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubmit_ValidationFailures(t *testing.T) {
	tests := []struct {
		name       string
		cmd        SubmitCommand
		wantReason string
	}{
		{
			name: "excess",
			cmd: SubmitCommand{TableID: "mesa_001", Fields: models.TallyFields{
				RegisteredVoters: 250, UrnVotes: 260, IncineratedVotes: 5,
				PerCandidate: map[string]int{"cand_1": 255},
			}},
			wantReason: "Faltan incinerar 5 votos",
		},
		{
			name: "shortfall",
			cmd: SubmitCommand{TableID: "mesa_001", Fields: models.TallyFields{
				RegisteredVoters: 250, UrnVotes: 260, IncineratedVotes: 15,
				PerCandidate: map[string]int{"cand_1": 245},
			}},
			wantReason: "Se incineraron 5 votos de más",
		},
		{
			name: "sum mismatch",
			cmd: SubmitCommand{TableID: "mesa_001", Fields: models.TallyFields{
				RegisteredVoters: 250, UrnVotes: 220,
				PerCandidate: map[string]int{"cand_1": 120, "cand_2": 80},
			}},
			wantReason: "Error de cuadre: la suma E-14 (200) no coincide con la urna normalizada (220). Diferencia: -20",
		},
		{
			name:       "no table",
			cmd:        SubmitCommand{Fields: scenarioD()},
			wantReason: "Debes seleccionar una mesa",
		},
		{
			name:       "unknown table",
			cmd:        SubmitCommand{TableID: "mesa_999", Fields: scenarioD()},
			wantReason: "Mesa desconocida: mesa_999",
		},
		{
			name:       "wrong station",
			cmd:        SubmitCommand{TableID: "mesa_001", StationID: "puesto_cabecera_001", Fields: scenarioD()},
			wantReason: "La mesa mesa_001 no pertenece al puesto puesto_cabecera_001",
		},
		{
			name: "unknown candidate",
			cmd: SubmitCommand{TableID: "mesa_001", Fields: models.TallyFields{
				RegisteredVoters: 250, UrnVotes: 10, PerCandidate: map[string]int{"cand_9": 10},
			}},
			wantReason: "candidato desconocido: cand_9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := setup(t)

			_, err := svc.Submit(context.Background(), tt.cmd)
			require.ErrorIs(t, err, ErrValidationFailed)
			assert.False(t, IsRetryable(err))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantReason, verr.Reason)

			records, err := store.ListTallies(context.Background())
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

// A blank roll counts as zero voters, not as the catalog's figure.
func TestSubmit_BlankRegisteredVoters(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	fields := models.TallyFields{
		UrnVotes:         260,
		IncineratedVotes: 10,
		PerCandidate:     map[string]int{"cand_1": 120, "cand_2": 80},
		Blank:            30,
		Null:             10,
		Unmarked:         10,
	}

	preview := svc.Validate("mesa_001", fields)
	assert.Equal(t, reconcile.StateExcess, preview.State)
	assert.Equal(t, 0, preview.Difference)
	assert.False(t, preview.Acceptable)

	_, err := svc.Submit(ctx, SubmitCommand{TableID: "mesa_001", Fields: fields})
	require.ErrorIs(t, err, ErrValidationFailed)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Faltan incinerar 250 votos", verr.Reason)

	records, err := store.ListTallies(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSubmit_AlreadyReported(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitCommand{TableID: "mesa_001", Fields: scenarioD()})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, SubmitCommand{TableID: "mesa_001", Fields: scenarioD()})
	require.ErrorIs(t, err, ErrAlreadyReported)
	assert.False(t, IsRetryable(err))

	snap, err := store.GetAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TablesCounted)
	assert.Equal(t, 220, snap.TotalVotes)
}

func TestSubmit_PersistenceUnavailable(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	store := db.NewStore(conn, nil, nil)
	svc := NewService(store, testutil.TestCatalog(t), nil, nil)
	conn.Close()

	_, err := svc.Submit(context.Background(), SubmitCommand{TableID: "mesa_001", Fields: scenarioD()})
	require.ErrorIs(t, err, ErrPersistenceUnavailable)
	assert.True(t, IsRetryable(err))
}

// TestConcurrentSubmissionsSameTable verifies that when several witnesses
// report the same table at once, exactly one record is created
func TestConcurrentSubmissionsSameTable(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	var (
		successCount  atomic.Int32
		reportedCount atomic.Int32
		wg            sync.WaitGroup
	)
	numAttempts := 6

	for i := 0; i < numAttempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Submit(ctx, SubmitCommand{
				TableID:     "mesa_002",
				Fields:      scenarioD(),
				SubmitterID: fmt.Sprintf("uid-%d", i),
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, ErrAlreadyReported):
				reportedCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load())
	assert.Equal(t, int32(numAttempts-1), reportedCount.Load())

	snap, err := store.GetAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TablesCounted)
	assert.Equal(t, 220, snap.TotalVotes)
}

func bigCatalog(t *testing.T, n int) *catalog.Catalog {
	t.Helper()
	var tables []models.PollingTable
	for i := 1; i <= n; i++ {
		tables = append(tables, models.PollingTable{
			ID: fmt.Sprintf("mesa_%03d", i), StationID: "puesto_rural_001",
			Number: i, GlobalNumber: i, RegisteredVoters: 250,
		})
	}
	c, err := catalog.New(
		[]models.Station{{ID: "puesto_rural_001", Kind: models.StationRural}},
		tables,
		[]models.Candidate{{ID: "cand_1", ListPosition: 1}, {ID: "cand_2", ListPosition: 2}},
	)
	require.NoError(t, err)
	return c
}

// TestConcurrentSubmissionsDistinctTables verifies the running aggregate
// equals the fold of all records after uncoordinated submitters finish
func TestConcurrentSubmissionsDistinctTables(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	cat := bigCatalog(t, 20)
	svc := NewService(store, cat, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Submit(ctx, SubmitCommand{
				TableID: fmt.Sprintf("mesa_%03d", i),
				Fields:  testutil.BalancedFields(250, 100+i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err := store.ListTallies(ctx)
	require.NoError(t, err)
	require.Len(t, records, 20)

	snap, err := store.GetAggregate(ctx)
	require.NoError(t, err)
	// the store was initialized for the 3-table test catalog
	assert.Empty(t, aggregate.Diff(snap, aggregate.Fold(records, 3)))
	assert.Equal(t, 20, snap.TablesCounted)
}

func TestSubmit_FanOutFailuresAreReported(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	flaky := &flakyStore{Store: store, failProgress: true, failEvidence: true}
	flaky.failDelta.Store(true)
	svc := NewService(flaky, testutil.TestCatalog(t), nil, nil)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitCommand{
		TableID:  "mesa_001",
		Fields:   scenarioD(),
		Evidence: [][]byte{[]byte("jpeg")},
	})
	require.NoError(t, err, "the record is authoritative once created")

	assert.False(t, res.AggregateApplied)
	assert.ElementsMatch(t, []string{StepAggregate, StepStationProgress, StepEvidence}, res.FailedSteps)

	_, err = store.GetTally(ctx, "mesa_001")
	require.NoError(t, err)
}

func TestDeltaRelay_RepairsFailedDelta(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	flaky := &flakyStore{Store: store}
	flaky.failDelta.Store(true)
	svc := NewService(flaky, testutil.TestCatalog(t), nil, nil)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitCommand{TableID: "mesa_001", Fields: scenarioD()})
	require.NoError(t, err)
	require.False(t, res.AggregateApplied)

	relay := DeltaRelay{Store: flaky}

	n, err := relay.RunOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	flaky.failDelta.Store(false)
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snap, err := store.GetAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TablesCounted)
	assert.Equal(t, 220, snap.TotalVotes)
}

func TestDeltaRelay_RunStopsOnCancel(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		DeltaRelay{Store: store}.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestValidate_Preview(t *testing.T) {
	svc, store := setup(t)

	res := svc.Validate("mesa_001", scenarioD())
	assert.True(t, res.Acceptable)

	res = svc.Validate("", scenarioD())
	assert.False(t, res.Acceptable)
	assert.Equal(t, "Debes seleccionar una mesa", res.Reason())

	records, err := store.ListTallies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
