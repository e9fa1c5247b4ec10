// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package readmodel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/notify"
	"github.com/danielhkuo/escrutinio/readmodel"
	"github.com/danielhkuo/escrutinio/testutil"
)

var t0 = time.Date(2025, 3, 15, 16, 30, 0, 0, time.UTC)

func waitFor(t *testing.T, ch <-chan readmodel.Dashboard, cond func(readmodel.Dashboard) bool) readmodel.Dashboard {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-ch:
			if cond(d) {
				return d
			}
		case <-deadline:
			t.Fatal("timed out waiting for dashboard")
		}
	}
}

func TestWatcher_FollowsChanges(t *testing.T) {
	bus := notify.NewBroker(64, nil)
	store := testutil.SetupTestStore(t, bus)
	cat := testutil.TestCatalog(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := readmodel.NewWatcher(bus, store, cat, readmodel.ShareBaseTotal, nil)
	updates, stop := w.Listen()
	defer stop()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give Run time to subscribe
	time.Sleep(50 * time.Millisecond)

	rec := testutil.CreateTestTally(t, store, "mesa_001", "puesto_rural_001", map[string]int{"cand_2": 40}, t0)
	_, err := store.ApplyDelta(ctx, rec.TableID, aggregate.DeltaFor(rec), t0)
	require.NoError(t, err)

	d := waitFor(t, updates, func(d readmodel.Dashboard) bool { return d.TablesCounted == 1 })
	assert.Equal(t, 40, d.TotalVotes)
	assert.Equal(t, "cand_2", d.Candidates[0].ID)
	assert.InDelta(t, 100.0, d.Candidates[0].Share, 0.001)

	// a reset replaces the aggregate and wipes records
	require.NoError(t, store.Reset(ctx, 3, true))
	d = waitFor(t, updates, func(d readmodel.Dashboard) bool { return d.TablesCounted == 0 })
	for _, s := range d.Stations {
		assert.Zero(t, s.TablesReported)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_ReloadUninitialized(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	defer conn.Close()
	cat := testutil.TestCatalog(t)

	w := readmodel.NewWatcher(notify.Nop{}, db.NewStore(conn, nil, nil), cat, readmodel.ShareBaseTotal, nil)
	require.NoError(t, w.Reload(context.Background()))
	assert.Equal(t, 3, w.Current().TotalTables)
	assert.Equal(t, 3, w.Current().TablesPending)
}

func TestWatcher_ListenKeepsLatest(t *testing.T) {
	store := testutil.SetupTestStore(t, nil)
	cat := testutil.TestCatalog(t)
	w := readmodel.NewWatcher(notify.Nop{}, store, cat, readmodel.ShareBaseTotal, nil)

	ch, stop := w.Listen()
	testutil.CreateTestTally(t, store, "mesa_001", "puesto_rural_001", map[string]int{"cand_1": 5}, t0)
	testutil.CreateTestTally(t, store, "mesa_003", "puesto_cabecera_001", map[string]int{"cand_1": 5}, t0)
	require.NoError(t, w.Reload(context.Background()))
	require.NoError(t, w.Reload(context.Background()))

	d := <-ch
	reported := 0
	for _, s := range d.Stations {
		reported += s.TablesReported
	}
	assert.Equal(t, 2, reported)

	stop()
	stop()
	require.NoError(t, w.Reload(context.Background()))
	select {
	case <-ch:
		t.Fatal("stopped listener received an update")
	default:
	}
}
