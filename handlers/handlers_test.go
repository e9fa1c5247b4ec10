// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/cliparse"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/tally"
	"github.com/danielhkuo/escrutinio/testutil"
)

type testEnv struct {
	store    *db.Store
	catalog  *catalog.Catalog
	cfg      cliparse.Config
	service  *tally.Service
	resyncer *tally.Resyncer
	tallies  *TallyHandler
	agg      *AggregateHandler
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	store := testutil.SetupTestStore(t, nil)
	cat := testutil.TestCatalog(t)
	cfg := testutil.GetTestConfig()
	svc := tally.NewService(store, cat, nil, nil)
	resyncer := tally.NewResyncer(store, cat, nil, nil)

	return &testEnv{
		store:    store,
		catalog:  cat,
		cfg:      cfg,
		service:  svc,
		resyncer: resyncer,
		tallies:  NewTallyHandler(svc, store, cfg),
		agg:      NewAggregateHandler(store, resyncer, cfg),
	}
}

// balancedForm is an acceptable act for mesa_001 or mesa_002.
func balancedForm() models.TallyFields {
	return models.TallyFields{
		RegisteredVoters: 250,
		UrnVotes:         220,
		PerCandidate:     map[string]int{"cand_1": 120, "cand_2": 80},
		Blank:            10,
		Null:             5,
		Unmarked:         5,
	}
}

// brokenStore fails every create.
type brokenStore struct {
	*db.Store
}

func (brokenStore) CreateTally(context.Context, models.TallyRecord) error {
	return errors.New("connection refused")
}

var witness = map[string]string{
	"X-Submitter-Id":   "testigo-7",
	"X-Submitter-Name": "Ana Testigo",
}
