// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package models defines request, response, and domain types for the API.

# Request Types

Types for parsing incoming JSON:

  - TallyFields: the raw E-14 numbers (habilitados, votos_urna, ...)
  - ValidateTallyRequest: table_id, fields
  - SubmitTallyRequest: table_id, station_id, fields, evidence

# Response Types

Types for JSON responses:

  - SubmitTallyResponse: record, aggregate_applied, failed_steps
  - ResyncResponse: snapshot, records
  - ErrorResponse: error, message, details

# Domain Types

Internal data structures:

  - Station, PollingTable, Candidate: reference catalog entries
  - TallyRecord: the once-written report for one table
  - AggregateSnapshot: running totals across all records
  - AggregateDelta: the increment one record contributes
  - AggregateEvent: change notification for a committed delta
  - StationProgress: tables reported per station
  - Evidence: one attachment of the E-14 act

# Constants

Station kinds:

	StationRural    = "rural"
	StationCabecera = "cabecera"
*/
package models
