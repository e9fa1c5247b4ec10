// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/models"
	"github.com/danielhkuo/escrutinio/notify"
)

// Store is the SQL aggregation store. Every committed write is announced
// on the bus; publish failures are logged and never undo the write.
type Store struct {
	db     *sql.DB
	bus    notify.Bus
	logger *slog.Logger
}

func NewStore(db *sql.DB, bus notify.Bus, logger *slog.Logger) *Store {
	if bus == nil {
		bus = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, bus: bus, logger: logger}
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) publish(ctx context.Context, subject string, v any) {
	if err := s.bus.Publish(context.WithoutCancel(ctx), subject, v); err != nil {
		s.logger.Warn("failed to publish change", "subject", subject, "error", err)
	}
}

// CreateTally inserts the record and its candidate rows in one transaction.
// A second record for the same table returns ErrDuplicate and writes
// nothing.
func (s *Store) CreateTally(ctx context.Context, rec models.TallyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tally: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tally (
			table_id, station_id, table_number, global_number, registered_voters,
			urn_votes, incinerated_votes, blank, null_votes, unmarked, total,
			submitted_at, submitted_by, submitted_by_name, evidence_count, has_evidence,
			aggregate_applied
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rec.TableID, rec.StationID, rec.TableNumber, rec.GlobalNumber, rec.RegisteredVoters,
		rec.UrnVotes, rec.IncineratedVotes, rec.Blank, rec.Null, rec.Unmarked, rec.Total,
		rec.SubmittedAt.UTC(), rec.SubmittedBy, rec.SubmittedByName, rec.EvidenceCount, rec.HasEvidence,
		false)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tally for %s", ErrDuplicate, rec.TableID)
		}
		return fmt.Errorf("insert tally: %w", err)
	}

	for _, id := range sortedKeys(rec.PerCandidate) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tally_candidate (table_id, candidate_id, votes)
			VALUES ($1, $2, $3)
		`, rec.TableID, id, rec.PerCandidate[id])
		if err != nil {
			return fmt.Errorf("insert tally candidate %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tally for %s", ErrDuplicate, rec.TableID)
		}
		return fmt.Errorf("commit create tally: %w", err)
	}

	s.publish(ctx, notify.SubjectTallyCreated, rec)
	return nil
}

// ApplyDelta adds the delta to the running totals and marks the record as
// applied, atomically. It returns false without touching the totals when
// the record's delta was already applied.
func (s *Store) ApplyDelta(ctx context.Context, tableID string, delta models.AggregateDelta, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply delta: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tally SET aggregate_applied = $1
		WHERE table_id = $2 AND aggregate_applied = $3
	`, true, tableID, false)
	if err != nil {
		return false, fmt.Errorf("mark delta applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delta applied: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tally WHERE table_id = $1`, tableID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: tally for %s", ErrNotFound, tableID)
		}
		if err != nil {
			return false, fmt.Errorf("lookup tally: %w", err)
		}
		return false, nil
	}

	counters := aggregate.Counters(delta)
	// fixed order keeps concurrent upserts from deadlocking on postgres
	for _, name := range sortedKeys(counters) {
		if err := addCounter(ctx, tx, name, counters[name]); err != nil {
			return false, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregate_meta (id, updated_at, manually_synced)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = CASE
			WHEN aggregate_meta.updated_at IS NULL OR aggregate_meta.updated_at < excluded.updated_at
			THEN excluded.updated_at
			ELSE aggregate_meta.updated_at
		END
	`, at.UTC(), false)
	if err != nil {
		return false, fmt.Errorf("touch aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit apply delta: %w", err)
	}

	s.publish(ctx, notify.SubjectAggregateUpdated, models.AggregateEvent{TableID: tableID, Delta: delta, At: at})
	return true, nil
}

func addCounter(ctx context.Context, tx *sql.Tx, name string, inc int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_counter (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = aggregate_counter.value + excluded.value
	`, name, inc)
	if err != nil {
		return fmt.Errorf("increment %s: %w", name, err)
	}
	return nil
}

// InitAggregate writes a zeroed aggregate for totalTables tables unless one
// already exists. It reports whether it created one.
func (s *Store) InitAggregate(ctx context.Context, totalTables int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin init aggregate: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_meta (id, updated_at, manually_synced)
		VALUES (1, NULL, $1)
		ON CONFLICT (id) DO NOTHING
	`, false)
	if err != nil {
		return false, fmt.Errorf("insert aggregate meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert aggregate meta: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := writeCounters(ctx, tx, aggregate.SnapshotCounters(aggregate.Empty(totalTables))); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit init aggregate: %w", err)
	}

	s.publish(ctx, notify.SubjectAggregateReplaced, aggregate.Empty(totalTables))
	return true, nil
}

// writeCounters adds counters row by row; callers clear the table first
// when they want absolute values.
func writeCounters(ctx context.Context, tx *sql.Tx, counters map[string]int) error {
	for _, name := range sortedKeys(counters) {
		if err := addCounter(ctx, tx, name, counters[name]); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceAggregate overwrites the running totals and station progress
// wholesale and marks the given records as applied.
func (s *Store) ReplaceAggregate(ctx context.Context, snap models.AggregateSnapshot, progress []models.StationProgress, appliedTableIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace aggregate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM aggregate_counter`); err != nil {
		return fmt.Errorf("clear counters: %w", err)
	}
	if err := writeCounters(ctx, tx, aggregate.SnapshotCounters(snap)); err != nil {
		return err
	}

	var updatedAt sql.NullTime
	if !snap.UpdatedAt.IsZero() {
		updatedAt = sql.NullTime{Time: snap.UpdatedAt.UTC(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregate_meta (id, updated_at, manually_synced)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = excluded.updated_at,
			manually_synced = excluded.manually_synced
	`, updatedAt, snap.ManuallySynced)
	if err != nil {
		return fmt.Errorf("write aggregate meta: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM station_progress`); err != nil {
		return fmt.Errorf("clear station progress: %w", err)
	}
	for _, p := range progress {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO station_progress (station_id, tables_reported) VALUES ($1, $2)
		`, p.StationID, p.TablesReported)
		if err != nil {
			return fmt.Errorf("write station progress %s: %w", p.StationID, err)
		}
	}

	for _, id := range appliedTableIDs {
		_, err := tx.ExecContext(ctx, `UPDATE tally SET aggregate_applied = $1 WHERE table_id = $2`, true, id)
		if err != nil {
			return fmt.Errorf("mark %s applied: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace aggregate: %w", err)
	}

	s.publish(ctx, notify.SubjectAggregateReplaced, snap)
	return nil
}

// Reset zeroes the aggregate. With wipeTallies the records, their evidence
// and station progress are deleted too. Otherwise the records are marked
// pending for the relay and station progress is recounted from them.
func (s *Store) Reset(ctx context.Context, totalTables int, wipeTallies bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM aggregate_counter`,
		`DELETE FROM aggregate_meta`,
		`DELETE FROM station_progress`,
	}
	if wipeTallies {
		stmts = append(stmts,
			`DELETE FROM tally_evidence`,
			`DELETE FROM tally_candidate`,
			`DELETE FROM tally`,
		)
	} else {
		stmts = append(stmts,
			`UPDATE tally SET aggregate_applied = FALSE`,
			`INSERT INTO station_progress (station_id, tables_reported)
			 SELECT station_id, COUNT(*) FROM tally GROUP BY station_id`,
		)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	empty := aggregate.Empty(totalTables)
	if err := writeCounters(ctx, tx, aggregate.SnapshotCounters(empty)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO aggregate_meta (id, updated_at, manually_synced) VALUES (1, NULL, $1)
	`, false); err != nil {
		return fmt.Errorf("write aggregate meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	s.publish(ctx, notify.SubjectAggregateReplaced, empty)
	return nil
}

// GetAggregate returns ErrNotFound until the aggregate is initialized.
func (s *Store) GetAggregate(ctx context.Context) (models.AggregateSnapshot, error) {
	var (
		updatedAt sql.NullTime
		synced    bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT updated_at, manually_synced FROM aggregate_meta WHERE id = 1
	`).Scan(&updatedAt, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AggregateSnapshot{}, fmt.Errorf("%w: aggregate not initialized", ErrNotFound)
	}
	if err != nil {
		return models.AggregateSnapshot{}, fmt.Errorf("query aggregate meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM aggregate_counter`)
	if err != nil {
		return models.AggregateSnapshot{}, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			value int
		)
		if err := rows.Scan(&name, &value); err != nil {
			return models.AggregateSnapshot{}, fmt.Errorf("scan counter: %w", err)
		}
		counters[name] = value
	}
	if err := rows.Err(); err != nil {
		return models.AggregateSnapshot{}, fmt.Errorf("iterate counters: %w", err)
	}

	snap := aggregate.FromCounters(counters)
	snap.ManuallySynced = synced
	if updatedAt.Valid {
		snap.UpdatedAt = updatedAt.Time
	}
	return snap, nil
}

const tallyColumns = `
	table_id, station_id, table_number, global_number, registered_voters,
	urn_votes, incinerated_votes, blank, null_votes, unmarked, total,
	submitted_at, submitted_by, submitted_by_name, evidence_count, has_evidence
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTally(row scanner) (models.TallyRecord, error) {
	var rec models.TallyRecord
	err := row.Scan(
		&rec.TableID, &rec.StationID, &rec.TableNumber, &rec.GlobalNumber, &rec.RegisteredVoters,
		&rec.UrnVotes, &rec.IncineratedVotes, &rec.Blank, &rec.Null, &rec.Unmarked, &rec.Total,
		&rec.SubmittedAt, &rec.SubmittedBy, &rec.SubmittedByName, &rec.EvidenceCount, &rec.HasEvidence,
	)
	rec.PerCandidate = make(map[string]int)
	return rec, err
}

// GetTally returns the record for a table or ErrNotFound.
func (s *Store) GetTally(ctx context.Context, tableID string) (models.TallyRecord, error) {
	rec, err := scanTally(s.db.QueryRowContext(ctx,
		`SELECT `+tallyColumns+` FROM tally WHERE table_id = $1`, tableID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TallyRecord{}, fmt.Errorf("%w: tally for %s", ErrNotFound, tableID)
	}
	if err != nil {
		return models.TallyRecord{}, fmt.Errorf("query tally: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT candidate_id, votes FROM tally_candidate WHERE table_id = $1
	`, tableID)
	if err != nil {
		return models.TallyRecord{}, fmt.Errorf("query tally candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			votes int
		)
		if err := rows.Scan(&id, &votes); err != nil {
			return models.TallyRecord{}, fmt.Errorf("scan tally candidate: %w", err)
		}
		rec.PerCandidate[id] = votes
	}
	if err := rows.Err(); err != nil {
		return models.TallyRecord{}, fmt.Errorf("iterate tally candidates: %w", err)
	}
	return rec, nil
}

// ListTallies returns every record ordered by global table number.
func (s *Store) ListTallies(ctx context.Context) ([]models.TallyRecord, error) {
	return s.listTallies(ctx, `SELECT `+tallyColumns+` FROM tally ORDER BY global_number, table_id`)
}

// ListPendingTallies returns up to limit records whose delta has not been
// applied, oldest first.
func (s *Store) ListPendingTallies(ctx context.Context, limit int) ([]models.TallyRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listTallies(ctx, `
		SELECT `+tallyColumns+` FROM tally
		WHERE aggregate_applied = $1
		ORDER BY submitted_at, table_id
		LIMIT $2
	`, false, limit)
}

func (s *Store) listTallies(ctx context.Context, query string, args ...any) ([]models.TallyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tallies: %w", err)
	}

	var records []models.TallyRecord
	index := make(map[string]int)
	for rows.Next() {
		rec, err := scanTally(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tally: %w", err)
		}
		index[rec.TableID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tallies: %w", err)
	}
	rows.Close()

	if len(records) == 0 {
		return records, nil
	}

	crows, err := s.db.QueryContext(ctx, `SELECT table_id, candidate_id, votes FROM tally_candidate`)
	if err != nil {
		return nil, fmt.Errorf("query tally candidates: %w", err)
	}
	defer crows.Close()

	for crows.Next() {
		var (
			tableID, candidateID string
			votes                int
		)
		if err := crows.Scan(&tableID, &candidateID, &votes); err != nil {
			return nil, fmt.Errorf("scan tally candidate: %w", err)
		}
		if i, ok := index[tableID]; ok {
			records[i].PerCandidate[candidateID] = votes
		}
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tally candidates: %w", err)
	}
	return records, nil
}

// IncrementStationProgress adds one reported table to a station and
// returns the new count.
func (s *Store) IncrementStationProgress(ctx context.Context, stationID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin station progress: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO station_progress (station_id, tables_reported) VALUES ($1, $2)
		ON CONFLICT (station_id) DO UPDATE SET tables_reported = station_progress.tables_reported + excluded.tables_reported
	`, stationID, 1)
	if err != nil {
		return 0, fmt.Errorf("increment station progress: %w", err)
	}

	var reported int
	err = tx.QueryRowContext(ctx, `
		SELECT tables_reported FROM station_progress WHERE station_id = $1
	`, stationID).Scan(&reported)
	if err != nil {
		return 0, fmt.Errorf("read station progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit station progress: %w", err)
	}

	s.publish(ctx, notify.SubjectStationProgress, models.StationProgress{StationID: stationID, TablesReported: reported})
	return reported, nil
}

func (s *Store) ListStationProgress(ctx context.Context) ([]models.StationProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, tables_reported FROM station_progress ORDER BY station_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query station progress: %w", err)
	}
	defer rows.Close()

	progress := []models.StationProgress{}
	for rows.Next() {
		var p models.StationProgress
		if err := rows.Scan(&p.StationID, &p.TablesReported); err != nil {
			return nil, fmt.Errorf("scan station progress: %w", err)
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// SaveEvidence stores one attachment. Writing the same (table, index)
// twice keeps the first payload.
func (s *Store) SaveEvidence(ctx context.Context, ev models.Evidence) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tally_evidence (table_id, idx, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_id, idx) DO NOTHING
	`, ev.TableID, ev.Index, ev.Payload, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert evidence %s/%d: %w", ev.TableID, ev.Index, err)
	}
	return nil
}

func (s *Store) CountEvidence(ctx context.Context, tableID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tally_evidence WHERE table_id = $1
	`, tableID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count evidence: %w", err)
	}
	return n, nil
}

// GetEvidence returns one attachment or ErrNotFound.
func (s *Store) GetEvidence(ctx context.Context, tableID string, index int) (models.Evidence, error) {
	ev := models.Evidence{TableID: tableID, Index: index}
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, created_at FROM tally_evidence WHERE table_id = $1 AND idx = $2
	`, tableID, index).Scan(&ev.Payload, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Evidence{}, fmt.Errorf("%w: evidence %s/%d", ErrNotFound, tableID, index)
	}
	if err != nil {
		return models.Evidence{}, fmt.Errorf("query evidence: %w", err)
	}
	return ev, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
