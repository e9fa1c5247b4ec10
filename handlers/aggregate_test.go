// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/auth"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/tally"
	"github.com/danielhkuo/escrutinio/testutil"
)

func TestGetAggregate(t *testing.T) {
	env := setupEnv(t)

	if _, err := env.service.Submit(t.Context(), tally.SubmitCommand{TableID: "mesa_001", Fields: balancedForm()}); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	w := httptest.NewRecorder()
	env.agg.Get(w, httptest.NewRequest("GET", "/aggregate", nil))

	testutil.AssertStatus(t, w, http.StatusOK)
	var snap models.AggregateSnapshot
	testutil.AssertJSON(t, w, &snap)
	if snap.TablesCounted != 1 || snap.TablesPending != 2 {
		t.Errorf("Expected 1 counted and 2 pending, got %d and %d", snap.TablesCounted, snap.TablesPending)
	}
	if snap.PerCandidate["cand_1"] != 120 {
		t.Errorf("Expected 120 votes for cand_1, got %d", snap.PerCandidate["cand_1"])
	}
}

func TestGetAggregate_NotInitialized(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	defer conn.Close()
	store := db.NewStore(conn, nil, nil)
	handler := NewAggregateHandler(store, tally.NewResyncer(store, testutil.TestCatalog(t), nil, nil), testutil.GetTestConfig())

	w := httptest.NewRecorder()
	handler.Get(w, httptest.NewRequest("GET", "/aggregate", nil))
	testutil.AssertStatus(t, w, http.StatusNotFound)

	w = httptest.NewRecorder()
	handler.Drift(w, httptest.NewRequest("GET", "/aggregate/drift", nil))
	testutil.AssertStatus(t, w, http.StatusNotFound)
}

func TestResync(t *testing.T) {
	env := setupEnv(t)
	adminKey := auth.GenerateAdminKey(env.cfg.CountID, env.cfg.AdminKeySalt)

	if _, err := env.service.Submit(t.Context(), tally.SubmitCommand{TableID: "mesa_002", Fields: balancedForm()}); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	// lose the aggregate
	if err := env.store.ReplaceAggregate(t.Context(), aggregate.Empty(3), nil, nil); err != nil {
		t.Fatalf("Failed to replace aggregate: %v", err)
	}

	tests := []struct {
		name           string
		adminKey       string
		expectedStatus int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "not-the-key", http.StatusUnauthorized},
		{"key for another count", auth.GenerateAdminKey("otro", env.cfg.AdminKeySalt), http.StatusUnauthorized},
		{"valid key", adminKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.MakeRequest("POST", "/aggregate/resync", nil, map[string]string{"X-Admin-Key": tt.adminKey})
			w := httptest.NewRecorder()

			env.agg.Resync(w, req)

			testutil.AssertStatus(t, w, tt.expectedStatus)
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var resp models.ResyncResponse
			testutil.AssertJSON(t, w, &resp)
			if resp.Records != 1 {
				t.Errorf("Expected 1 record, got %d", resp.Records)
			}
			if !resp.Snapshot.ManuallySynced {
				t.Error("Expected manually_synced")
			}
			if resp.Snapshot.TotalVotes != 220 {
				t.Errorf("Expected 220 votes, got %d", resp.Snapshot.TotalVotes)
			}
		})
	}
}

func TestDrift(t *testing.T) {
	env := setupEnv(t)

	if _, err := env.service.Submit(t.Context(), tally.SubmitCommand{TableID: "mesa_001", Fields: balancedForm()}); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	w := httptest.NewRecorder()
	env.agg.Drift(w, httptest.NewRequest("GET", "/aggregate/drift", nil))
	testutil.AssertStatus(t, w, http.StatusOK)

	var report tally.DriftReport
	testutil.AssertJSON(t, w, &report)
	if !report.InSync {
		t.Errorf("Expected in sync, got differences %v", report.Differences)
	}

	if err := env.store.ReplaceAggregate(t.Context(), aggregate.Empty(3), nil, nil); err != nil {
		t.Fatalf("Failed to replace aggregate: %v", err)
	}

	w = httptest.NewRecorder()
	env.agg.Drift(w, httptest.NewRequest("GET", "/aggregate/drift", nil))
	testutil.AssertStatus(t, w, http.StatusOK)

	report = tally.DriftReport{}
	testutil.AssertJSON(t, w, &report)
	if report.InSync || len(report.Differences) == 0 {
		t.Error("Expected drift after the aggregate was lost")
	}
}

func TestStationProgress(t *testing.T) {
	env := setupEnv(t)

	for _, table := range []string{"mesa_001", "mesa_002"} {
		if _, err := env.service.Submit(t.Context(), tally.SubmitCommand{TableID: table, Fields: balancedForm()}); err != nil {
			t.Fatalf("Failed to submit %s: %v", table, err)
		}
	}

	w := httptest.NewRecorder()
	env.agg.StationProgress(w, httptest.NewRequest("GET", "/stations/progress", nil))
	testutil.AssertStatus(t, w, http.StatusOK)

	var progress []models.StationProgress
	testutil.AssertJSON(t, w, &progress)
	if len(progress) != 1 || progress[0].StationID != "puesto_rural_001" || progress[0].TablesReported != 2 {
		t.Errorf("Unexpected progress %+v", progress)
	}
}
