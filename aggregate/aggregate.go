// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package aggregate holds the arithmetic of the running totals: the delta a
// record contributes, the fold used by resync, and the counter encoding the
// SQL store persists.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielhkuo/escrutinio/models"
)

// Counter names as stored in the aggregate counter table.
const (
	CounterTotalTables   = "total_tables"
	CounterTablesCounted = "tables_counted"
	CounterTablesPending = "tables_pending"
	CounterTotalVotes    = "total_votes"
	CounterBlank         = "blank"
	CounterNull          = "null"
	CounterUnmarked      = "unmarked"

	candidatePrefix = "candidate:"
)

// CandidateCounter returns the counter name for a candidate's running total.
func CandidateCounter(candidateID string) string {
	return candidatePrefix + candidateID
}

// DeltaFor returns the increments one accepted record contributes. Only
// candidates with votes get an entry.
func DeltaFor(rec models.TallyRecord) models.AggregateDelta {
	d := models.AggregateDelta{
		TablesCounted: 1,
		TablesPending: -1,
		TotalVotes:    rec.Total,
		Blank:         rec.Blank,
		Null:          rec.Null,
		Unmarked:      rec.Unmarked,
	}
	for id, votes := range rec.PerCandidate {
		if votes == 0 {
			continue
		}
		if d.PerCandidate == nil {
			d.PerCandidate = make(map[string]int)
		}
		d.PerCandidate[id] = votes
	}
	return d
}

// Counters flattens a delta into counter increments. Zero increments are
// omitted.
func Counters(d models.AggregateDelta) map[string]int {
	out := make(map[string]int, 6+len(d.PerCandidate))
	put := func(name string, v int) {
		if v != 0 {
			out[name] = v
		}
	}
	put(CounterTablesCounted, d.TablesCounted)
	put(CounterTablesPending, d.TablesPending)
	put(CounterTotalVotes, d.TotalVotes)
	put(CounterBlank, d.Blank)
	put(CounterNull, d.Null)
	put(CounterUnmarked, d.Unmarked)
	for id, v := range d.PerCandidate {
		put(CandidateCounter(id), v)
	}
	return out
}

// SnapshotCounters returns every counter of a snapshot, zeros included,
// for a wholesale replace.
func SnapshotCounters(s models.AggregateSnapshot) map[string]int {
	out := map[string]int{
		CounterTotalTables:   s.TotalTables,
		CounterTablesCounted: s.TablesCounted,
		CounterTablesPending: s.TablesPending,
		CounterTotalVotes:    s.TotalVotes,
		CounterBlank:         s.Blank,
		CounterNull:          s.Null,
		CounterUnmarked:      s.Unmarked,
	}
	for id, v := range s.PerCandidate {
		out[CandidateCounter(id)] = v
	}
	return out
}

// FromCounters rebuilds a snapshot from stored counters. Unknown names are
// ignored.
func FromCounters(counters map[string]int) models.AggregateSnapshot {
	s := models.AggregateSnapshot{PerCandidate: make(map[string]int)}
	for name, v := range counters {
		switch name {
		case CounterTotalTables:
			s.TotalTables = v
		case CounterTablesCounted:
			s.TablesCounted = v
		case CounterTablesPending:
			s.TablesPending = v
		case CounterTotalVotes:
			s.TotalVotes = v
		case CounterBlank:
			s.Blank = v
		case CounterNull:
			s.Null = v
		case CounterUnmarked:
			s.Unmarked = v
		default:
			if id, ok := strings.CutPrefix(name, candidatePrefix); ok {
				s.PerCandidate[id] = v
			}
		}
	}
	s.ProgressPercent = Progress(s.TablesCounted, s.TotalTables)
	return s
}

// Empty is the zeroed aggregate written at count setup.
func Empty(totalTables int) models.AggregateSnapshot {
	return models.AggregateSnapshot{
		TotalTables:   totalTables,
		TablesPending: totalTables,
		PerCandidate:  make(map[string]int),
	}
}

// Apply adds a delta to a snapshot and returns the result. The input
// snapshot is not modified.
func Apply(s models.AggregateSnapshot, d models.AggregateDelta, at time.Time) models.AggregateSnapshot {
	out := s
	out.PerCandidate = make(map[string]int, len(s.PerCandidate)+len(d.PerCandidate))
	for id, v := range s.PerCandidate {
		out.PerCandidate[id] = v
	}

	out.TablesCounted += d.TablesCounted
	out.TablesPending += d.TablesPending
	out.TotalVotes += d.TotalVotes
	out.Blank += d.Blank
	out.Null += d.Null
	out.Unmarked += d.Unmarked
	for id, v := range d.PerCandidate {
		out.PerCandidate[id] += v
	}
	out.ProgressPercent = Progress(out.TablesCounted, out.TotalTables)
	if at.After(out.UpdatedAt) {
		out.UpdatedAt = at
	}
	return out
}

// Fold recomputes the aggregate from the full record set. UpdatedAt is the
// latest submission time so that folding an unchanged set is deterministic.
func Fold(records []models.TallyRecord, totalTables int) models.AggregateSnapshot {
	s := Empty(totalTables)
	for _, rec := range records {
		s = Apply(s, DeltaFor(rec), rec.SubmittedAt)
	}
	// candidates that appear in a record with zero votes still get a key
	for _, rec := range records {
		for id := range rec.PerCandidate {
			if _, ok := s.PerCandidate[id]; !ok {
				s.PerCandidate[id] = 0
			}
		}
	}
	s.ProgressPercent = Progress(s.TablesCounted, s.TotalTables)
	return s
}

// Progress returns counted/total as a percentage, 0 when total is 0.
func Progress(counted, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(counted) / float64(total) * 100
}

// FieldDiff is one counter where the stored aggregate and the fold disagree.
type FieldDiff struct {
	Field    string `json:"field"`
	Stored   int    `json:"stored"`
	Expected int    `json:"expected"`
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%s: stored %d, expected %d", d.Field, d.Stored, d.Expected)
}

// Diff compares two snapshots counter by counter. Timestamps and flags are
// not compared. The result is sorted by field name.
func Diff(stored, expected models.AggregateSnapshot) []FieldDiff {
	a := SnapshotCounters(stored)
	b := SnapshotCounters(expected)

	names := make(map[string]struct{}, len(a)+len(b))
	for n := range a {
		names[n] = struct{}{}
	}
	for n := range b {
		names[n] = struct{}{}
	}

	var diffs []FieldDiff
	for n := range names {
		if a[n] != b[n] {
			diffs = append(diffs, FieldDiff{Field: n, Stored: a[n], Expected: b[n]})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}
