// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package readmodel composes the live dashboard from the aggregate, the
// record set and the catalog, and keeps it current from change events.
package readmodel

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/danielhkuo/escrutinio/aggregate"
	"github.com/danielhkuo/escrutinio/catalog"
	"github.com/danielhkuo/escrutinio/models"
)

// Share bases for candidate percentages.
const (
	ShareBaseTotal = "total"
	// ShareBaseValid excludes null and unmarked ballots.
	ShareBaseValid = "valid"
)

type CandidateLine struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Party        string  `json:"party"`
	Color        string  `json:"color"`
	ListPosition int     `json:"list_position"`
	Votes        int     `json:"votes"`
	VotesLabel   string  `json:"votes_label"`
	Share        float64 `json:"share"`
}

type StationLine struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Kind           string  `json:"kind"`
	TotalTables    int     `json:"total_tables"`
	TablesReported int     `json:"tables_reported"`
	Percent        float64 `json:"percent"`
	Complete       bool    `json:"complete"`
}

type Dashboard struct {
	Municipality    string          `json:"municipality"`
	TotalTables     int             `json:"total_tables"`
	TablesCounted   int             `json:"tables_counted"`
	TablesPending   int             `json:"tables_pending"`
	ProgressPercent float64         `json:"progress_percent"`
	TotalVotes      int             `json:"total_votes"`
	ValidVotes      int             `json:"valid_votes"`
	Blank           int             `json:"blanco"`
	Null            int             `json:"nulos"`
	Unmarked        int             `json:"no_marcados"`
	TotalVotesLabel string          `json:"total_votes_label"`
	ValidVotesLabel string          `json:"valid_votes_label"`
	ShareBase       string          `json:"share_base"`
	Candidates      []CandidateLine `json:"candidates"`
	Stations        []StationLine   `json:"stations"`
	ManuallySynced  bool            `json:"manually_synced"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

// Build composes a dashboard. Station completion is counted from records,
// candidate shares from the snapshot. base is ShareBaseTotal or
// ShareBaseValid; any other value means total.
func Build(cat *catalog.Catalog, snap models.AggregateSnapshot, records []models.TallyRecord, base string) Dashboard {
	if base != ShareBaseValid {
		base = ShareBaseTotal
	}

	totalTables := snap.TotalTables
	if totalTables == 0 {
		totalTables = cat.TotalTables()
	}

	d := Dashboard{
		Municipality:   cat.Municipality,
		TotalTables:    totalTables,
		TablesCounted:  snap.TablesCounted,
		TablesPending:  snap.TablesPending,
		TotalVotes:     snap.TotalVotes,
		ValidVotes:     snap.TotalVotes - snap.Null - snap.Unmarked,
		Blank:          snap.Blank,
		Null:           snap.Null,
		Unmarked:       snap.Unmarked,
		ShareBase:      base,
		ManuallySynced: snap.ManuallySynced,
	}
	d.ProgressPercent = aggregate.Progress(snap.TablesCounted, totalTables)
	d.TotalVotesLabel = humanize.Comma(int64(d.TotalVotes))
	d.ValidVotesLabel = humanize.Comma(int64(d.ValidVotes))
	if !snap.UpdatedAt.IsZero() {
		at := snap.UpdatedAt
		d.UpdatedAt = &at
	}

	denominator := d.TotalVotes
	if base == ShareBaseValid {
		denominator = d.ValidVotes
	}

	for _, c := range cat.Candidates() {
		votes := snap.PerCandidate[c.ID]
		line := CandidateLine{
			ID:           c.ID,
			Name:         c.Name,
			Party:        c.Party,
			Color:        c.Color,
			ListPosition: c.ListPosition,
			Votes:        votes,
			VotesLabel:   humanize.Comma(int64(votes)),
		}
		if denominator > 0 {
			line.Share = float64(votes) / float64(denominator) * 100
		}
		d.Candidates = append(d.Candidates, line)
	}
	sort.SliceStable(d.Candidates, func(i, j int) bool {
		if d.Candidates[i].Votes != d.Candidates[j].Votes {
			return d.Candidates[i].Votes > d.Candidates[j].Votes
		}
		return d.Candidates[i].ListPosition < d.Candidates[j].ListPosition
	})

	reported := make(map[string]map[string]bool)
	for _, rec := range records {
		if reported[rec.StationID] == nil {
			reported[rec.StationID] = make(map[string]bool)
		}
		reported[rec.StationID][rec.TableID] = true
	}

	for _, st := range cat.Stations() {
		line := StationLine{
			ID:             st.ID,
			Code:           st.Code,
			Name:           st.Name,
			Kind:           st.Kind,
			TotalTables:    len(cat.TablesByStation(st.ID)),
			TablesReported: len(reported[st.ID]),
		}
		if line.TotalTables > 0 {
			line.Percent = float64(line.TablesReported) / float64(line.TotalTables) * 100
			line.Complete = line.TablesReported >= line.TotalTables
		}
		d.Stations = append(d.Stations, line)
	}

	return d
}
