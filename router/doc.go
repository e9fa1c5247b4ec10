// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package router defines HTTP routes for the count API.

	mux := router.NewRouter(router.Deps{...}, cfg)

# Endpoints

Health and reference data:

	GET /health  - 200 OK when the database answers
	GET /catalog - Stations, tables and candidates
	GET /metrics - Prometheus exposition

Witness submissions (X-Submitter-Id required on POST /tallies):

	POST /validate                         - Preview an act
	POST /tallies                          - Submit an act
	GET  /tallies                          - All records
	GET  /tallies/{table}                  - One record
	GET  /tallies/{table}/evidence/{index} - Evidence bytes

Aggregate:

	GET  /aggregate          - Running totals
	GET  /aggregate/drift    - Stored totals against a fresh fold
	POST /aggregate/resync   - Rebuild from records (X-Admin-Key)
	GET  /stations/progress  - Tables reported per station

Dashboard:

	GET /dashboard      - Composed dashboard
	GET /dashboard/live - Websocket stream of the dashboard

Every route except /health and /metrics is wrapped with
middleware.WithLogging.
*/
package router
