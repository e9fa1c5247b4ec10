// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package db is the SQL aggregation store: schema creation, the conditional
create of tally records, and the counter table the running totals live in.

# Engines

SQLite (modernc.org/sqlite, the default) and PostgreSQL (lib/pq) share one
schema and one set of queries:

	conn, err := db.Open(db.SQLite, "file:escrutinio.db")
	if err != nil {
		log.Fatal(err)
	}
	if err := db.CreateSchema(conn, db.SQLite); err != nil {
		log.Fatal(err)
	}
	store := db.NewStore(conn, bus, logger)

# Tables

  - tally: one row per polling table, written once
  - tally_candidate: candidate votes of each tally
  - aggregate_counter: running totals, one row per counter name
  - aggregate_meta: single row with updated_at and manually_synced
  - station_progress: tables reported per station
  - tally_evidence: attachments keyed by (table_id, idx)

# Write Primitives

CreateTally relies on the tally primary key: a concurrent second writer
gets ErrDuplicate. ApplyDelta only ever runs

	value = aggregate_counter.value + excluded.value

so concurrent deltas commute; the record's aggregate_applied flag flips in
the same transaction, which makes a delta apply at most once per record.
ReplaceAggregate rewrites everything and is used by resync.

After each commit the store publishes on its notify.Bus:

	tally.created       models.TallyRecord
	aggregate.updated   models.AggregateEvent
	aggregate.replaced  models.AggregateSnapshot
	station.progress    models.StationProgress
*/
package db
