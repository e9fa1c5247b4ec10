// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package main provides the entry point for the escrutinio server and its
administrative commands.

Escrutinio receives the E-14 acts that witnesses transcribe at each polling
table, reconciles each act against the table's roll, stores at most one
record per table and keeps running totals for a live dashboard.

# Commands

	escrutinio serve      # API server, delta relay and dashboard watcher
	escrutinio init       # reset the aggregate (add --wipe to delete records)
	escrutinio resync     # rebuild the aggregate from all records
	escrutinio drift      # report counters where the aggregate disagrees
	escrutinio admin-key  # print the X-Admin-Key for the configured count

All commands accept the same flags, for example:

	escrutinio serve -p 3318 -t postgres -d "postgres://..." --nats-url nats://localhost:4222

# Configuration

Required settings:

  - ADMIN_KEY_SALT (--admin-salt): Secret for admin key HMAC

Optional settings:

  - PORT (-p): Server port (default: 3318)
  - DATABASE_TYPE (-t): sqlite (default) or postgres
  - DATABASE_URL (-d): connection string (default: file:escrutinio.db)
  - COUNT_ID (--count), CATALOG_PATH (--catalog)
  - NATS_URL (--nats-url): publish change events over NATS
  - SHARE_BASE (--share-base): total or valid
  - RELAY_INTERVAL (--relay-interval)
  - LOG_LEVEL: debug, info, warn or error

A .env file in the working directory is loaded first when present.

# Architecture

  - reconcile: act leveling and balance checks
  - catalog: stations, tables and candidates from YAML
  - tally: submission pipeline, resync and the delta relay
  - aggregate: deltas, folding and drift comparison
  - db: SQLite/PostgreSQL persistence
  - notify: change events, in-process or over NATS
  - readmodel: dashboard composition and live updates
  - handlers, router, middleware: HTTP surface
  - metrics: Prometheus collectors
  - auth: admin keys
  - cliparse: configuration parsing

See package documentation for each component.
*/
package main
