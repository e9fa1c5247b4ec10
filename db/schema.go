// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// CreateSchema creates all tables needed for the application.
// Safe to call multiple times - uses IF NOT EXISTS.
func CreateSchema(db *sql.DB, dialect Dialect) error {
	blob := "BLOB"
	if dialect == Postgres {
		blob = "BYTEA"
	}

	_, err := db.Exec(strings.ReplaceAll(schema, "{{blob}}", blob))
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

const schema = `
-- Tally records, one per polling table
CREATE TABLE IF NOT EXISTS tally (
    table_id TEXT PRIMARY KEY,
    station_id TEXT NOT NULL,
    table_number INTEGER NOT NULL,
    global_number INTEGER NOT NULL,
    registered_voters INTEGER NOT NULL,
    urn_votes INTEGER NOT NULL,
    incinerated_votes INTEGER NOT NULL,
    blank INTEGER NOT NULL,
    null_votes INTEGER NOT NULL,
    unmarked INTEGER NOT NULL,
    total INTEGER NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    submitted_by TEXT NOT NULL,
    submitted_by_name TEXT NOT NULL,
    evidence_count INTEGER NOT NULL,
    has_evidence BOOLEAN NOT NULL,
    aggregate_applied BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tally_station ON tally(station_id);
CREATE INDEX IF NOT EXISTS idx_tally_applied ON tally(aggregate_applied);

-- Candidate votes per tally
CREATE TABLE IF NOT EXISTS tally_candidate (
    table_id TEXT NOT NULL REFERENCES tally(table_id) ON DELETE CASCADE,
    candidate_id TEXT NOT NULL,
    votes INTEGER NOT NULL,
    PRIMARY KEY (table_id, candidate_id)
);

-- Running totals, one row per counter
CREATE TABLE IF NOT EXISTS aggregate_counter (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregate_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    updated_at TIMESTAMP,
    manually_synced BOOLEAN NOT NULL
);

-- Tables reported per station
CREATE TABLE IF NOT EXISTS station_progress (
    station_id TEXT PRIMARY KEY,
    tables_reported INTEGER NOT NULL
);

-- E-14 act attachments
CREATE TABLE IF NOT EXISTS tally_evidence (
    table_id TEXT NOT NULL REFERENCES tally(table_id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    payload {{blob}} NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (table_id, idx)
);
`
