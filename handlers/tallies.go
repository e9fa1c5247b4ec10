// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielhkuo/escrutinio/auth"
	"github.com/danielhkuo/escrutinio/cliparse"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/middleware"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/tally"
)

// TallyReader is the read side the tally endpoints need.
type TallyReader interface {
	GetTally(ctx context.Context, tableID string) (models.TallyRecord, error)
	ListTallies(ctx context.Context) ([]models.TallyRecord, error)
	GetEvidence(ctx context.Context, tableID string, index int) (models.Evidence, error)
}

type TallyHandler struct {
	tallies *tally.Service
	store   TallyReader
	cfg     cliparse.Config
}

func NewTallyHandler(svc *tally.Service, store TallyReader, cfg cliparse.Config) *TallyHandler {
	return &TallyHandler{tallies: svc, store: store, cfg: cfg}
}

// Validate handles POST /validate
// Evaluates a form without writing anything.
func (h *TallyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req models.ValidateTallyRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, h.tallies.Validate(req.TableID, req.Fields))
}

// Submit handles POST /tallies
func (h *TallyHandler) Submit(w http.ResponseWriter, r *http.Request) {
	submitterID := r.Header.Get("X-Submitter-Id")
	if submitterID == "" {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "X-Submitter-Id header required")
		return
	}

	var req models.SubmitTallyRequest
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.TableID == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "table_id is required")
		return
	}

	res, err := h.tallies.Submit(r.Context(), tally.SubmitCommand{
		TableID:       req.TableID,
		StationID:     req.StationID,
		Fields:        req.Fields,
		SubmitterID:   submitterID,
		SubmitterName: r.Header.Get("X-Submitter-Name"),
		Evidence:      req.Evidence,
	})

	var verr *tally.ValidationError
	switch {
	case errors.As(err, &verr):
		middleware.ErrorDetailsResponse(w, http.StatusBadRequest, verr.Reason, verr.Result)
		return
	case errors.Is(err, tally.ErrAlreadyReported):
		middleware.ErrorResponse(w, http.StatusConflict, "Esta mesa ya fue reportada")
		return
	case err != nil:
		middleware.ErrorResponse(w, http.StatusServiceUnavailable, "No se pudo guardar el acta, intente de nuevo")
		return
	}

	slog.Info("tally submitted",
		"request_id", middleware.RequestID(r.Context()),
		"table_id", res.Record.TableID,
		"client", auth.HashIP(middleware.GetClientIP(r), h.cfg.AdminKeySalt),
	)

	message := "Acta registrada"
	if len(res.FailedSteps) > 0 {
		message = "Acta registrada; los totales se completarán en breve"
	}

	middleware.JSONResponse(w, http.StatusCreated, models.SubmitTallyResponse{
		Record:           res.Record,
		AggregateApplied: res.AggregateApplied,
		FailedSteps:      res.FailedSteps,
		Message:          message,
	})
}

// List handles GET /tallies
func (h *TallyHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListTallies(r.Context())
	if err != nil {
		slog.Error("failed to list tallies", "error", err)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, records)
}

// Get handles GET /tallies/{table}
func (h *TallyHandler) Get(w http.ResponseWriter, r *http.Request) {
	tableID := r.PathValue("table")
	if tableID == "" {
		middleware.ErrorResponse(w, http.StatusBadRequest, "table is required")
		return
	}

	rec, err := h.store.GetTally(r.Context(), tableID)
	if errors.Is(err, db.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Tally not found")
		return
	}
	if err != nil {
		slog.Error("failed to get tally", "error", err, "table_id", tableID)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	middleware.JSONResponse(w, http.StatusOK, rec)
}

// GetEvidence handles GET /tallies/{table}/evidence/{index}
// Returns the raw bytes of one evidence attachment.
func (h *TallyHandler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	tableID := r.PathValue("table")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		middleware.ErrorResponse(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	ev, err := h.store.GetEvidence(r.Context(), tableID, index)
	if errors.Is(err, db.ErrNotFound) {
		middleware.ErrorResponse(w, http.StatusNotFound, "Evidence not found")
		return
	}
	if err != nil {
		slog.Error("failed to get evidence", "error", err, "table_id", tableID, "index", index)
		middleware.ErrorResponse(w, http.StatusInternalServerError, "Database error")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(ev.Payload))
	w.WriteHeader(http.StatusOK)
	w.Write(ev.Payload)
}
