// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package catalog loads the reference data of a count: polling stations,
// their tables and the candidates.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/danielhkuo/escrutinio/models"
)

var (
	ErrUnknownTable   = errors.New("unknown polling table")
	ErrUnknownStation = errors.New("unknown polling station")
)

// Catalog is the read-only reference data for one count: stations, their
// tables and the candidates on the ballot.
type Catalog struct {
	Municipality string
	CountID      string
	ElectionDate string

	stations   []models.Station
	tables     []models.PollingTable
	candidates []models.Candidate

	stationByID map[string]int
	tableByID   map[string]int
	byStation   map[string][]int
}

type fileStation struct {
	models.Station `yaml:",inline"`

	TableCount     int                   `yaml:"table_count"`
	VotersPerTable int                   `yaml:"voters_per_table"`
	Tables         []models.PollingTable `yaml:"tables"`
}

type file struct {
	Municipality string             `yaml:"municipality"`
	CountID      string             `yaml:"count_id"`
	ElectionDate string             `yaml:"election_date"`
	Candidates   []models.Candidate `yaml:"candidates"`
	Stations     []fileStation      `yaml:"stations"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Stations may list their tables explicitly
// or give table_count and voters_per_table, in which case tables are
// generated as mesa_001, mesa_002, ... numbered globally in file order.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		Municipality: f.Municipality,
		CountID:      f.CountID,
		ElectionDate: f.ElectionDate,
		candidates:   f.Candidates,
	}

	global := 1
	for _, fs := range f.Stations {
		c.stations = append(c.stations, fs.Station)

		if len(fs.Tables) > 0 {
			for _, t := range fs.Tables {
				t.StationID = fs.ID
				if t.GlobalNumber == 0 {
					t.GlobalNumber = global
				}
				c.tables = append(c.tables, t)
				global++
			}
			continue
		}

		for n := 1; n <= fs.TableCount; n++ {
			c.tables = append(c.tables, models.PollingTable{
				ID:               fmt.Sprintf("mesa_%03d", global),
				StationID:        fs.ID,
				Number:           n,
				GlobalNumber:     global,
				RegisteredVoters: fs.VotersPerTable,
			})
			global++
		}
	}

	sort.SliceStable(c.candidates, func(i, j int) bool {
		return c.candidates[i].ListPosition < c.candidates[j].ListPosition
	})

	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return c, nil
}

// New builds a catalog from already decoded entries. Tables must carry
// their StationID.
func New(stations []models.Station, tables []models.PollingTable, candidates []models.Candidate) (*Catalog, error) {
	c := &Catalog{stations: stations, tables: tables, candidates: candidates}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return c, nil
}

// Validate checks ids are present and unique and every table points at a
// known station.
func (c *Catalog) Validate() error {
	stations := make(map[string]bool, len(c.stations))
	for _, s := range c.stations {
		if s.ID == "" {
			return errors.New("catalog: station without id")
		}
		if stations[s.ID] {
			return fmt.Errorf("catalog: duplicate station %q", s.ID)
		}
		if s.Kind != "" && s.Kind != models.StationRural && s.Kind != models.StationCabecera {
			return fmt.Errorf("catalog: station %q has unknown kind %q", s.ID, s.Kind)
		}
		stations[s.ID] = true
	}

	tables := make(map[string]bool, len(c.tables))
	for _, t := range c.tables {
		if t.ID == "" {
			return errors.New("catalog: table without id")
		}
		if tables[t.ID] {
			return fmt.Errorf("catalog: duplicate table %q", t.ID)
		}
		if !stations[t.StationID] {
			return fmt.Errorf("catalog: table %q references unknown station %q", t.ID, t.StationID)
		}
		if t.RegisteredVoters < 0 {
			return fmt.Errorf("catalog: table %q has negative registered voters", t.ID)
		}
		tables[t.ID] = true
	}

	candidates := make(map[string]bool, len(c.candidates))
	for _, cand := range c.candidates {
		if cand.ID == "" {
			return errors.New("catalog: candidate without id")
		}
		if candidates[cand.ID] {
			return fmt.Errorf("catalog: duplicate candidate %q", cand.ID)
		}
		candidates[cand.ID] = true
	}

	return nil
}

func (c *Catalog) index() {
	c.stationByID = make(map[string]int, len(c.stations))
	for i, s := range c.stations {
		c.stationByID[s.ID] = i
	}
	c.tableByID = make(map[string]int, len(c.tables))
	c.byStation = make(map[string][]int, len(c.stations))
	for i, t := range c.tables {
		c.tableByID[t.ID] = i
		c.byStation[t.StationID] = append(c.byStation[t.StationID], i)
	}
}

// Table returns the table with the given id.
func (c *Catalog) Table(id string) (models.PollingTable, error) {
	i, ok := c.tableByID[id]
	if !ok {
		return models.PollingTable{}, fmt.Errorf("%w: %s", ErrUnknownTable, id)
	}
	return c.tables[i], nil
}

// Station returns the station with the given id.
func (c *Catalog) Station(id string) (models.Station, error) {
	i, ok := c.stationByID[id]
	if !ok {
		return models.Station{}, fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}
	return c.stations[i], nil
}

func (c *Catalog) Stations() []models.Station {
	return append([]models.Station(nil), c.stations...)
}

func (c *Catalog) Tables() []models.PollingTable {
	return append([]models.PollingTable(nil), c.tables...)
}

// TablesByStation returns the station's tables in catalog order.
func (c *Catalog) TablesByStation(stationID string) []models.PollingTable {
	idx := c.byStation[stationID]
	out := make([]models.PollingTable, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.tables[i])
	}
	return out
}

// Candidates returns the candidates ordered by list position.
func (c *Catalog) Candidates() []models.Candidate {
	return append([]models.Candidate(nil), c.candidates...)
}

func (c *Catalog) CandidateIDs() []string {
	ids := make([]string, len(c.candidates))
	for i, cand := range c.candidates {
		ids[i] = cand.ID
	}
	return ids
}

// TotalTables is the number of tables expected to report.
func (c *Catalog) TotalTables() int {
	return len(c.tables)
}
