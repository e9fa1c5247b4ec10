// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/db"
	"github.com/danielhkuo/escrutinio/metrics"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/reconcile"
)

// Fan-out steps run after the record is created.
const (
	StepAggregate       = "aggregate"
	StepStationProgress = "station_progress"
	StepEvidence        = "evidence"
)

// Store is the persistence the pipeline needs. CreateTally must return an
// error matching db.ErrDuplicate when the table already has a record.
type Store interface {
	CreateTally(ctx context.Context, rec models.TallyRecord) error
	ApplyDelta(ctx context.Context, tableID string, delta models.AggregateDelta, at time.Time) (bool, error)
	IncrementStationProgress(ctx context.Context, stationID string) (int, error)
	SaveEvidence(ctx context.Context, ev models.Evidence) error
	ListTallies(ctx context.Context) ([]models.TallyRecord, error)
	ListPendingTallies(ctx context.Context, limit int) ([]models.TallyRecord, error)
	GetAggregate(ctx context.Context) (models.AggregateSnapshot, error)
	ReplaceAggregate(ctx context.Context, snap models.AggregateSnapshot, progress []models.StationProgress, appliedTableIDs []string) error
}

// SubmitCommand is one witness report. SubmitterID and SubmitterName come
// from the caller's identity layer.
type SubmitCommand struct {
	TableID       string
	StationID     string
	Fields        models.TallyFields
	SubmitterID   string
	SubmitterName string
	Evidence      [][]byte
}

// SubmissionResult describes a created record. AggregateApplied is false
// when the delta failed; the record stands and the relay or a resync
// completes the aggregate later.
type SubmissionResult struct {
	Record           models.TallyRecord
	Validation       reconcile.Result
	AggregateApplied bool
	FailedSteps      []string
}

type Service struct {
	store   Store
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(store Store, cat *catalog.Catalog, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: cat,
		metrics: m,
		logger:  resolveLogger(logger),
		now:     time.Now,
	}
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Validate previews a form for a table without side effects. An unknown or
// empty table id evaluates as no table selected.
func (s *Service) Validate(tableID string, fields models.TallyFields) reconcile.Result {
	_, err := s.catalog.Table(tableID)
	return reconcile.Evaluate(reconcile.Input{
		Fields:          fields,
		TableSelected:   err == nil,
		ValidCandidates: s.catalog.CandidateIDs(),
	})
}

// Submit validates, creates the record at most once per table, then fans
// out the aggregate delta, the station counter and the evidence writes
// concurrently. Only a failed create fails the submission.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (SubmissionResult, error) {
	table, rec, res, err := s.prepare(cmd)
	if err != nil {
		s.metrics.Submission(metrics.OutcomeRejected)
		return SubmissionResult{Validation: res}, err
	}

	if err := s.store.CreateTally(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			s.metrics.Submission(metrics.OutcomeAlreadyReported)
			return SubmissionResult{Validation: res}, fmt.Errorf("%w: %s", ErrAlreadyReported, table.ID)
		}
		s.metrics.Submission(metrics.OutcomeUnavailable)
		s.logger.Error("failed to create tally", "table_id", table.ID, "error", err)
		return SubmissionResult{Validation: res}, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	s.logger.Info("tally created",
		"table_id", rec.TableID,
		"station_id", rec.StationID,
		"total", rec.Total,
		"submitted_by", rec.SubmittedBy,
	)
	s.metrics.Submission(metrics.OutcomeAccepted)

	applied, failed := s.fanOut(context.WithoutCancel(ctx), rec, cmd.Evidence)

	return SubmissionResult{
		Record:           rec,
		Validation:       res,
		AggregateApplied: applied,
		FailedSteps:      failed,
	}, nil
}

func (s *Service) prepare(cmd SubmitCommand) (models.PollingTable, models.TallyRecord, reconcile.Result, error) {
	fields := cmd.Fields

	table, lookupErr := s.catalog.Table(cmd.TableID)

	res := reconcile.Evaluate(reconcile.Input{
		Fields:          fields,
		TableSelected:   cmd.TableID != "",
		ValidCandidates: s.catalog.CandidateIDs(),
	})

	switch {
	case cmd.TableID != "" && lookupErr != nil:
		return table, models.TallyRecord{}, res, &ValidationError{Result: res, Reason: "Mesa desconocida: " + cmd.TableID}
	case cmd.StationID != "" && lookupErr == nil && cmd.StationID != table.StationID:
		return table, models.TallyRecord{}, res, &ValidationError{
			Result: res,
			Reason: fmt.Sprintf("La mesa %s no pertenece al puesto %s", table.ID, cmd.StationID),
		}
	case !res.Acceptable:
		return table, models.TallyRecord{}, res, &ValidationError{Result: res, Reason: res.Reason()}
	}

	perCandidate := make(map[string]int, len(fields.PerCandidate))
	for id, v := range fields.PerCandidate {
		perCandidate[id] = v
	}

	rec := models.TallyRecord{
		TableID:          table.ID,
		StationID:        table.StationID,
		TableNumber:      table.Number,
		GlobalNumber:     table.GlobalNumber,
		RegisteredVoters: fields.RegisteredVoters,
		UrnVotes:         fields.UrnVotes,
		IncineratedVotes: fields.IncineratedVotes,
		PerCandidate:     perCandidate,
		Blank:            fields.Blank,
		Null:             fields.Null,
		Unmarked:         fields.Unmarked,
		Total:            res.Sum,
		SubmittedAt:      s.now().UTC(),
		SubmittedBy:      cmd.SubmitterID,
		SubmittedByName:  cmd.SubmitterName,
		EvidenceCount:    len(cmd.Evidence),
		HasEvidence:      len(cmd.Evidence) > 0,
	}
	return table, rec, res, nil
}

func (s *Service) fanOut(ctx context.Context, rec models.TallyRecord, evidence [][]byte) (bool, []string) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		failed  []string
		applied bool
	)
	fail := func(step string, err error) {
		s.logger.Warn("post-create step failed", "step", step, "table_id", rec.TableID, "error", err)
		s.metrics.FanoutFailure(step)
		mu.Lock()
		failed = append(failed, step)
		mu.Unlock()
	}

	g.Go(func() error {
		ok, err := s.store.ApplyDelta(ctx, rec.TableID, aggregate.DeltaFor(rec), rec.SubmittedAt)
		if err != nil {
			fail(StepAggregate, err)
			return nil
		}
		applied = ok
		return nil
	})

	g.Go(func() error {
		if _, err := s.store.IncrementStationProgress(ctx, rec.StationID); err != nil {
			fail(StepStationProgress, err)
		}
		return nil
	})

	if len(evidence) > 0 {
		g.Go(func() error {
			for i, payload := range evidence {
				err := s.store.SaveEvidence(ctx, models.Evidence{
					TableID:   rec.TableID,
					Index:     i,
					Payload:   payload,
					CreatedAt: rec.SubmittedAt,
				})
				if err != nil {
					fail(StepEvidence, err)
					return nil
				}
			}
			return nil
		})
	}

	_ = g.Wait()
	return applied, failed
}
