// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package router

import (
	"net/http"

	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/cliparse"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/handlers"
	"github.com/danielhkuo/escrutinio/metrics"
	"github.com/danielhkuo/escrutinio/middleware"
	"github.com/danielhkuo/escrutinio/readmodel"
	"github.com/danielhkuo/escrutinio/tally"
)

// Deps are the collaborators the routes are served from.
type Deps struct {
	Store    *db.Store
	Catalog  *catalog.Catalog
	Tallies  *tally.Service
	Resyncer *tally.Resyncer
	Watcher  *readmodel.Watcher
	Metrics  *metrics.Metrics
}

func NewRouter(deps Deps, cfg cliparse.Config) *http.ServeMux {
	mux := http.NewServeMux()

	// Initialize handlers
	tallyHandler := handlers.NewTallyHandler(deps.Tallies, deps.Store, cfg)
	aggregateHandler := handlers.NewAggregateHandler(deps.Store, deps.Resyncer, cfg)
	dashboardHandler := handlers.NewDashboardHandler(deps.Watcher)
	catalogHandler := handlers.NewCatalogHandler(deps.Catalog)

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /catalog", middleware.WithLogging(catalogHandler.Get))

	// Witness submissions
	mux.HandleFunc("POST /validate", middleware.WithLogging(tallyHandler.Validate))
	mux.HandleFunc("POST /tallies", middleware.WithLogging(tallyHandler.Submit))
	mux.HandleFunc("GET /tallies", middleware.WithLogging(tallyHandler.List))
	mux.HandleFunc("GET /tallies/{table}", middleware.WithLogging(tallyHandler.Get))
	mux.HandleFunc("GET /tallies/{table}/evidence/{index}", middleware.WithLogging(tallyHandler.GetEvidence))

	// Aggregate and administration
	mux.HandleFunc("GET /aggregate", middleware.WithLogging(aggregateHandler.Get))
	mux.HandleFunc("GET /aggregate/drift", middleware.WithLogging(aggregateHandler.Drift))
	mux.HandleFunc("POST /aggregate/resync", middleware.WithLogging(aggregateHandler.Resync))
	mux.HandleFunc("GET /stations/progress", middleware.WithLogging(aggregateHandler.StationProgress))

	// Dashboard
	mux.HandleFunc("GET /dashboard", middleware.WithLogging(dashboardHandler.Get))
	mux.HandleFunc("GET /dashboard/live", middleware.WithLogging(dashboardHandler.Live))

	mux.Handle("GET /metrics", deps.Metrics.Handler())

	// Root endpoint
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("escrutinio API v1"))
	})

	return mux
}
