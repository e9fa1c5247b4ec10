// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package testutil

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/cliparse"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/notify"
	"github.com/danielhkuo/escrutinio/readmodel"
)

// SetupTestDB creates a fresh in-memory SQLite database with the full schema.
// Each call gets its own database.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(db.SQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.CreateSchema(conn, db.SQLite); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return conn
}

// SetupTestStore returns a store over a fresh database with its aggregate
// initialized for the test catalog. A nil bus discards notifications.
func SetupTestStore(t *testing.T, bus notify.Bus) *db.Store {
	t.Helper()

	conn := SetupTestDB(t)
	t.Cleanup(func() { conn.Close() })

	store := db.NewStore(conn, bus, nil)
	if _, err := store.InitAggregate(t.Context(), TestCatalog(t).TotalTables()); err != nil {
		t.Fatalf("Failed to init aggregate: %v", err)
	}
	return store
}

// GetTestConfig returns a standard test configuration
func GetTestConfig() cliparse.Config {
	return cliparse.Config{
		Port:          3318,
		DatabaseURL:   "file::memory:",
		DatabaseType:  "sqlite",
		AdminKeySalt:  "test-admin-salt",
		CountID:       "test-count",
		ShareBase:     readmodel.ShareBaseTotal,
		RelayInterval: time.Second,
	}
}

const testCatalogYAML = `
municipality: Municipio de Prueba
count_id: test-count
election_date: "2025-03-15"
candidates:
  - id: cand_1
    name: Candidato A
    party: Partido 1
    color: "#FF0000"
    list_position: 1
  - id: cand_2
    name: Candidato B
    party: Partido 2
    color: "#0000FF"
    list_position: 2
  - id: cand_3
    name: Candidato C
    party: Partido 3
    color: "#00FF00"
    list_position: 3
stations:
  - id: puesto_rural_001
    code: R001
    name: ARENA DEL SUR
    kind: rural
    table_count: 2
    voters_per_table: 250
  - id: puesto_cabecera_001
    code: C001
    name: INST EDUCATIVA SARMIENTO
    kind: cabecera
    table_count: 1
    voters_per_table: 400
`

// TestCatalog has two stations: puesto_rural_001 with mesa_001 and
// mesa_002 (250 voters each) and puesto_cabecera_001 with mesa_003 (400
// voters). Candidates are cand_1, cand_2 and cand_3.
func TestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	c, err := catalog.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("Failed to parse test catalog: %v", err)
	}
	return c
}

// BalancedFields returns an acceptable form for a table with the given
// registered voters: votes split between cand_1 and cand_2, 10 blank.
func BalancedFields(registered, urn int) models.TallyFields {
	return models.TallyFields{
		RegisteredVoters: registered,
		UrnVotes:         urn,
		PerCandidate: map[string]int{
			"cand_1": (urn - 10) / 2,
			"cand_2": urn - 10 - (urn-10)/2,
		},
		Blank: 10,
	}
}

// CreateTestTally writes a record straight to the store, bypassing
// validation, and returns it.
func CreateTestTally(t *testing.T, store *db.Store, tableID, stationID string, perCandidate map[string]int, at time.Time) models.TallyRecord {
	t.Helper()

	total := 0
	for _, v := range perCandidate {
		total += v
	}
	rec := models.TallyRecord{
		TableID:          tableID,
		StationID:        stationID,
		TableNumber:      1,
		GlobalNumber:     1,
		RegisteredVoters: 250,
		UrnVotes:         total,
		PerCandidate:     perCandidate,
		Total:            total,
		SubmittedAt:      at,
		SubmittedBy:      "test-user",
		SubmittedByName:  "Test User",
	}
	if err := store.CreateTally(t.Context(), rec); err != nil {
		t.Fatalf("Failed to create test tally: %v", err)
	}
	return rec
}

// MakeRequest creates an HTTP test request
func MakeRequest(method, path string, body interface{}, headers map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req
}

// AssertStatus checks that the response has the expected status code
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertJSON decodes the response body into the provided struct
func AssertJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}
