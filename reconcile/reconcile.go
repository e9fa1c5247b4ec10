// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package reconcile

import (
	"fmt"
	"sort"

	"github.com/danielhkuo/escrutinio/models"
)

// MaxCount bounds every count on an act. No table holds anywhere near this
// many ballots.
const MaxCount = 1_000_000

// State is the leveling classification of an E-14 act.
type State string

const (
	StateNormal    State = "normal"
	StateExcess    State = "excedente"
	StateShortfall State = "faltante"
	StateLeveled   State = "nivelada"
	StateUnneeded  State = "innecesaria"
)

// Input is one evaluation request. ValidCandidates may be nil to skip the
// candidate id check.
type Input struct {
	Fields          models.TallyFields
	TableSelected   bool
	ValidCandidates []string
}

// Result is the outcome of Evaluate. It is recomputed from scratch on every
// call; nothing about a previous evaluation is kept.
type Result struct {
	NormalizedUrn int      `json:"urna_normalizada"`
	Sum           int      `json:"suma_total"`
	Difference    int      `json:"diferencia"`
	State         State    `json:"estado"`
	Message       string   `json:"mensaje"`
	Acceptable    bool     `json:"aceptable"`
	Issues        []string `json:"issues,omitempty"`
	TableSelected bool     `json:"mesa_seleccionada"`
}

// Evaluate computes the derived quantities and leveling state for one act.
// It never fails; problems are reported through State, Issues and
// Acceptable.
func Evaluate(in Input) Result {
	f := in.Fields

	sum, ok := checkedSum(f)
	res := Result{
		NormalizedUrn: f.UrnVotes - f.IncineratedVotes,
		Sum:           sum,
		TableSelected: in.TableSelected,
	}
	res.Difference = res.Sum - res.NormalizedUrn
	res.State, res.Message = Level(f.RegisteredVoters, f.UrnVotes, f.IncineratedVotes)
	res.Issues = inputIssues(in)
	if !ok {
		res.Issues = append(res.Issues, "la suma del acta desborda el rango permitido")
	}

	res.Acceptable = res.Difference == 0 &&
		res.State != StateExcess &&
		res.State != StateShortfall &&
		res.State != StateUnneeded &&
		in.TableSelected &&
		len(res.Issues) == 0

	return res
}

// Sum returns candidate votes + blank + null + unmarked. Incinerated
// ballots are not part of the act's sum. The result is meaningless when the
// addition overflows; Evaluate reports that case as an issue.
func Sum(f models.TallyFields) int {
	total, _ := checkedSum(f)
	return total
}

// checkedSum is Sum with ok false on int overflow.
func checkedSum(f models.TallyFields) (total int, ok bool) {
	ok = true
	add := func(v int) {
		next := total + v
		if (v > 0 && next < total) || (v < 0 && next > total) {
			ok = false
		}
		total = next
	}
	for _, v := range f.PerCandidate {
		add(v)
	}
	add(f.Blank)
	add(f.Null)
	add(f.Unmarked)
	return total, ok
}

// Level classifies the urn against the roll.
func Level(registered, urn, incinerated int) (State, string) {
	normalized := urn - incinerated

	switch {
	case normalized > registered:
		return StateExcess, fmt.Sprintf("Faltan incinerar %d votos", normalized-registered)
	case urn > registered && normalized < registered:
		return StateShortfall, fmt.Sprintf("Se incineraron %d votos de más", registered-normalized)
	case urn > registered:
		return StateLeveled, "Nivelada correctamente"
	case incinerated > 0:
		return StateUnneeded, "No se requiere incinerar: la urna no supera los habilitados"
	default:
		return StateNormal, ""
	}
}

// Reason explains the first condition blocking submission, or returns ""
// when the act is acceptable.
func (r Result) Reason() string {
	switch {
	case r.Acceptable:
		return ""
	case !r.TableSelected:
		return "Debes seleccionar una mesa"
	case len(r.Issues) > 0:
		return r.Issues[0]
	case r.State == StateExcess || r.State == StateShortfall || r.State == StateUnneeded:
		return r.Message
	case r.Difference != 0:
		return fmt.Sprintf("Error de cuadre: la suma E-14 (%d) no coincide con la urna normalizada (%d). Diferencia: %d",
			r.Sum, r.NormalizedUrn, r.Difference)
	}
	return "El acta no está cuadrada"
}

func inputIssues(in Input) []string {
	f := in.Fields
	var issues []string

	for _, n := range []struct {
		name  string
		value int
	}{
		{"habilitados", f.RegisteredVoters},
		{"votos_urna", f.UrnVotes},
		{"votos_incinerados", f.IncineratedVotes},
		{"blanco", f.Blank},
		{"nulos", f.Null},
		{"no_marcados", f.Unmarked},
	} {
		switch {
		case n.value < 0:
			issues = append(issues, fmt.Sprintf("%s no puede ser negativo", n.name))
		case n.value > MaxCount:
			issues = append(issues, fmt.Sprintf("%s excede el máximo de %d", n.name, MaxCount))
		}
	}

	ids := make([]string, 0, len(f.PerCandidate))
	for id := range f.PerCandidate {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var valid map[string]bool
	if in.ValidCandidates != nil {
		valid = make(map[string]bool, len(in.ValidCandidates))
		for _, id := range in.ValidCandidates {
			valid[id] = true
		}
	}

	for _, id := range ids {
		switch v := f.PerCandidate[id]; {
		case v < 0:
			issues = append(issues, fmt.Sprintf("votos de %s no pueden ser negativos", id))
		case v > MaxCount:
			issues = append(issues, fmt.Sprintf("votos de %s exceden el máximo de %d", id, MaxCount))
		}
		if valid != nil && !valid[id] {
			issues = append(issues, "candidato desconocido: "+id)
		}
	}

	return issues
}
