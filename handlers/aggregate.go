// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielhkuo/escrutinio/auth"
	"github.com/danielhkuo/escrutinio/cliparse"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/middleware"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/tally"
)

// AggregateReader is the read side the aggregate endpoints need.
type AggregateReader interface {
	GetAggregate(ctx context.Context) (models.AggregateSnapshot, error)
	ListStationProgress(ctx context.Context) ([]models.StationProgress, error)
}

type AggregateHandler struct {
	store    AggregateReader
	resyncer *tally.Resyncer
	cfg      cliparse.Config
}

func NewAggregateHandler(store AggregateReader, resyncer *tally.Resyncer, cfg cliparse.Config) *AggregateHandler {
	return &AggregateHandler{store: store, resyncer: resyncer, cfg: cfg}
}

// Get handles GET /aggregate
func (h *AggregateHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetAggregate(r.Context())
	if errors.Is(err, db.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Aggregate not initialized")
		return
	}
	if err != nil {
		slog.Error("failed to get aggregate", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, snap)
}

// Drift handles GET /aggregate/drift
// Compares the stored aggregate with a fold of all records.
func (h *AggregateHandler) Drift(w http.ResponseWriter, r *http.Request) {
	report, err := h.resyncer.Drift(r.Context())
	if errors.Is(err, db.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Aggregate not initialized")
		return
	}
	if err != nil {
		slog.Error("failed to compute drift", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, report)
}

// Resync handles POST /aggregate/resync (admin only)
func (h *AggregateHandler) Resync(w http.ResponseWriter, r *http.Request) {
	adminKey := r.Header.Get("X-Admin-Key")
	if err := auth.ValidateAdminKey(h.cfg.CountID, adminKey, h.cfg.AdminKeySalt); err != nil {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "Invalid admin key")
		return
	}

	snap, err := h.resyncer.Resync(r.Context())
	if err != nil {
		slog.Error("resync failed", "error", err)
		middleware.ErrorResponse(w, http.StatusServiceUnavailable, "Resync failed")
		return
	}

	slog.Info("aggregate resynced",
		"request_id", middleware.RequestID(r.Context()),
		"tables_counted", snap.TablesCounted,
		"total_votes", snap.TotalVotes,
	)

	middleware.JSONResponse(w, http.StatusOK, models.ResyncResponse{
		Snapshot: snap,
		Records:  snap.TablesCounted,
	})
}

// StationProgress handles GET /stations/progress
func (h *AggregateHandler) StationProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.store.ListStationProgress(r.Context())
	if err != nil {
		slog.Error("failed to list station progress", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, progress)
}
