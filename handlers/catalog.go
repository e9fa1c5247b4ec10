// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"net/http"

	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/middleware"
	"github.com/danielhkuo/escrutinio/models"
)

type CatalogResponse struct {
	Municipality string                `json:"municipality"`
	CountID      string                `json:"count_id"`
	ElectionDate string                `json:"election_date"`
	Candidates   []models.Candidate    `json:"candidates"`
	Stations     []models.Station      `json:"stations"`
	Tables       []models.PollingTable `json:"tables"`
}

type CatalogHandler struct {
	catalog *catalog.Catalog
}

func NewCatalogHandler(cat *catalog.Catalog) *CatalogHandler {
	return &CatalogHandler{catalog: cat}
}

// Get handles GET /catalog
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	middleware.JSONResponse(w, http.StatusOK, CatalogResponse{
		Municipality: h.catalog.Municipality,
		CountID:      h.catalog.CountID,
		ElectionDate: h.catalog.ElectionDate,
		Candidates:   h.catalog.Candidates(),
		Stations:     h.catalog.Stations(),
		Tables:       h.catalog.Tables(),
	})
}
