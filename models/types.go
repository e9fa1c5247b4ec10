// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package models

import "time"

// Station kinds
const (
	StationRural    = "rural"
	StationCabecera = "cabecera"
)

// Reference catalog types

type Station struct {
	ID      string `json:"id" yaml:"id"`
	Code    string `json:"code" yaml:"code"`
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind" yaml:"kind"`
	Address string `json:"address,omitempty" yaml:"address"`
}

type PollingTable struct {
	ID               string `json:"id" yaml:"id"`
	StationID        string `json:"station_id" yaml:"-"`
	Number           int    `json:"number" yaml:"number"`
	GlobalNumber     int    `json:"global_number" yaml:"global_number"`
	RegisteredVoters int    `json:"registered_voters" yaml:"registered_voters"`
}

type Candidate struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Party        string `json:"party" yaml:"party"`
	Color        string `json:"color" yaml:"color"`
	ListPosition int    `json:"list_position" yaml:"list_position"`
}

// Request types

// TallyFields is the raw E-14 form as transcribed by the witness.
// Missing numbers decode as 0.
type TallyFields struct {
	RegisteredVoters int            `json:"habilitados"`
	UrnVotes         int            `json:"votos_urna"`
	IncineratedVotes int            `json:"votos_incinerados"`
	PerCandidate     map[string]int `json:"por_candidato"`
	Blank            int            `json:"blanco"`
	Null             int            `json:"nulos"`
	Unmarked         int            `json:"no_marcados"`
}

type ValidateTallyRequest struct {
	TableID string      `json:"table_id"`
	Fields  TallyFields `json:"fields"`
}

// Evidence is sent base64 encoded (encoding/json does this for []byte).
type SubmitTallyRequest struct {
	TableID   string      `json:"table_id"`
	StationID string      `json:"station_id"`
	Fields    TallyFields `json:"fields"`
	Evidence  [][]byte    `json:"evidence,omitempty"`
}

// Response types

type SubmitTallyResponse struct {
	Record           TallyRecord `json:"record"`
	AggregateApplied bool        `json:"aggregate_applied"`
	FailedSteps      []string    `json:"failed_steps,omitempty"`
	Message          string      `json:"message"`
}

type ResyncResponse struct {
	Snapshot AggregateSnapshot `json:"snapshot"`
	Records  int               `json:"records"`
}

// Domain types

// TallyRecord is the once-written report for one polling table.
type TallyRecord struct {
	TableID          string         `json:"table_id"`
	StationID        string         `json:"station_id"`
	TableNumber      int            `json:"table_number"`
	GlobalNumber     int            `json:"global_number"`
	RegisteredVoters int            `json:"habilitados"`
	UrnVotes         int            `json:"votos_urna"`
	IncineratedVotes int            `json:"votos_incinerados"`
	PerCandidate     map[string]int `json:"por_candidato"`
	Blank            int            `json:"blanco"`
	Null             int            `json:"nulos"`
	Unmarked         int            `json:"no_marcados"`
	Total            int            `json:"suma_total"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	SubmittedBy      string         `json:"submitted_by"`
	SubmittedByName  string         `json:"submitted_by_name"`
	EvidenceCount    int            `json:"evidence_count"`
	HasEvidence      bool           `json:"has_evidence"`
}

// AggregateSnapshot holds the running totals across all accepted records.
type AggregateSnapshot struct {
	TotalTables     int            `json:"total_tables"`
	TablesCounted   int            `json:"tables_counted"`
	TablesPending   int            `json:"tables_pending"`
	ProgressPercent float64        `json:"progress_percent"`
	TotalVotes      int            `json:"total_votes"`
	PerCandidate    map[string]int `json:"por_candidato"`
	Blank           int            `json:"blanco"`
	Null            int            `json:"nulos"`
	Unmarked        int            `json:"no_marcados"`
	ManuallySynced  bool           `json:"manually_synced"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AggregateDelta is the commutative increment one accepted record
// contributes to the aggregate.
type AggregateDelta struct {
	TablesCounted int            `json:"tables_counted"`
	TablesPending int            `json:"tables_pending"`
	TotalVotes    int            `json:"total_votes"`
	Blank         int            `json:"blanco"`
	Null          int            `json:"nulos"`
	Unmarked      int            `json:"no_marcados"`
	PerCandidate  map[string]int `json:"por_candidato,omitempty"`
}

// AggregateEvent is published after a delta is committed.
type AggregateEvent struct {
	TableID string         `json:"table_id"`
	Delta   AggregateDelta `json:"delta"`
	At      time.Time      `json:"at"`
}

type StationProgress struct {
	StationID      string `json:"station_id"`
	TablesReported int    `json:"tables_reported"`
}

type Evidence struct {
	TableID   string    `json:"table_id"`
	Index     int       `json:"index"`
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Error response

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}
