// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danielhkuo/escrutinio/metrics"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/notify"
	"github.com/danielhkuo/escrutinio/readmodel"
	"github.com/danielhkuo/escrutinio/tally"
	"github.com/danielhkuo/escrutinio/testutil"
)

func newTestRouter(t *testing.T) (*http.ServeMux, Deps) {
	t.Helper()

	store := testutil.SetupTestStore(t, nil)
	cat := testutil.TestCatalog(t)
	m := metrics.New()
	deps := Deps{
		Store:    store,
		Catalog:  cat,
		Tallies:  tally.NewService(store, cat, m, nil),
		Resyncer: tally.NewResyncer(store, cat, m, nil),
		Watcher:  readmodel.NewWatcher(notify.Nop{}, store, cat, readmodel.ShareBaseTotal, nil),
		Metrics:  m,
	}
	return NewRouter(deps, testutil.GetTestConfig()), deps
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if w.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", w.Body.String())
	}
}

func TestRootEndpoint(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	expected := "escrutinio API v1"
	if w.Body.String() != expected {
		t.Errorf("Expected body '%s', got '%s'", expected, w.Body.String())
	}
}

func TestRouteExistence(t *testing.T) {
	mux, _ := newTestRouter(t)

	// Some routes answer 4xx without data, which is still the handler
	testCases := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/"},
		{"GET", "/catalog"},
		{"POST", "/validate"},
		{"POST", "/tallies"},
		{"GET", "/tallies"},
		{"GET", "/tallies/mesa_001"},
		{"GET", "/tallies/mesa_001/evidence/0"},
		{"GET", "/aggregate"},
		{"GET", "/aggregate/drift"},
		{"POST", "/aggregate/resync"},
		{"GET", "/stations/progress"},
		{"GET", "/dashboard"},
		{"GET", "/metrics"},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}"))
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if w.Code == http.StatusMethodNotAllowed {
				t.Errorf("Route %s %s not registered for method", tc.method, tc.path)
			}
			// The mux's own 404 is plain text; handlers answer JSON
			if w.Code == http.StatusNotFound && !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
				t.Errorf("Route %s %s not registered", tc.method, tc.path)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/polls/abc", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestSubmitThroughRouter(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := testutil.MakeRequest("POST", "/tallies", models.SubmitTallyRequest{
		TableID: "mesa_001",
		Fields:  testutil.BalancedFields(250, 200),
	}, map[string]string{"X-Submitter-Id": "testigo-1"})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	testutil.AssertStatus(t, w, http.StatusCreated)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID on the response")
	}

	req = httptest.NewRequest("GET", "/tallies/mesa_001", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	testutil.AssertStatus(t, w, http.StatusOK)

	var rec models.TallyRecord
	testutil.AssertJSON(t, w, &rec)
	if rec.Total != 200 {
		t.Errorf("Expected total 200, got %d", rec.Total)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `escrutinio_submissions_total{outcome="accepted"} 1`) {
		t.Error("Expected the accepted submission in metrics")
	}
}
