// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package handlers contains HTTP request handlers for the count API.

# Handler Types

  - TallyHandler: form preview, submission and record retrieval
  - AggregateHandler: aggregate, drift, resync and station progress
  - DashboardHandler: composed dashboard, JSON and websocket
  - CatalogHandler: reference stations, tables and candidates

Handlers take their collaborators in constructors:

	tallies := handlers.NewTallyHandler(service, store, cfg)

# Submission

	POST /validate  → Validate (no side effects)
	POST /tallies   → Submit

Submit requires the X-Submitter-Id header; X-Submitter-Name is optional.
Outcomes map to status codes:

	201  record created (aggregate_applied false if the delta is pending)
	400  act rejected, details carry the reconciliation result
	409  table already reported
	503  store unavailable, safe to retry

# Administration

	POST /aggregate/resync → Resync

Requires X-Admin-Key, the HMAC of the count id (see package auth).

# Live Dashboard

GET /dashboard/live upgrades to a websocket and sends the dashboard as JSON
on connect and after every change, with pings every 30 seconds.
*/
package handlers
