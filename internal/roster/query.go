package roster

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/szaher/ctfops/internal/adapters"
)

// Show values.
const (
	ShowAll      = "all"
	ShowSolved   = "solved"
	ShowUnsolved = "unsolved"
)

// Sort values.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
	SortNone = "none"
)

// SortBy values.
const (
	ByName   = "name"
	ByPoints = "points"
	BySolves = "solves"
)

// Query selects and orders a roster view. Zero fields take the
// defaults: unsolved challenges, most solves first.
type Query struct {
	Show   string
	Sort   string
	SortBy string
	// Where is an optional boolean expression over id, name, solved,
	// staged, points, solves, category, and attrs.
	Where string
}

// DefaultQuery returns the query used when the caller specifies nothing.
func DefaultQuery() Query {
	return Query{Show: ShowUnsolved, Sort: SortDesc, SortBy: BySolves}
}

// Normalize fills defaults and rejects unknown values.
func (q Query) Normalize() (Query, error) {
	d := DefaultQuery()
	q.Show = pick(strings.ToLower(q.Show), d.Show)
	q.Sort = pick(strings.ToLower(q.Sort), d.Sort)
	q.SortBy = pick(strings.ToLower(q.SortBy), d.SortBy)
	q.Where = strings.TrimSpace(q.Where)

	switch q.Show {
	case ShowAll, ShowSolved, ShowUnsolved:
	default:
		return q, invalid("show", q.Show)
	}
	switch q.Sort {
	case SortAsc, SortDesc, SortNone:
	default:
		return q, invalid("sort", q.Sort)
	}
	switch q.SortBy {
	case ByName, ByPoints, BySolves:
	default:
		return q, invalid("sortby", q.SortBy)
	}
	return q, nil
}

func pick(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func invalid(field, value string) error {
	return adapters.Fail("view", "", adapters.ErrInvalidQuery, fmt.Errorf("unknown %s %q", field, value))
}

// Apply filters and orders chs according to q, which must be normalized.
// filter may be nil. The input slice is not modified.
func Apply(chs []adapters.Challenge, q Query, filter *Filter) ([]adapters.Challenge, error) {
	out := make([]adapters.Challenge, 0, len(chs))
	for _, ch := range chs {
		switch {
		case q.Show == ShowSolved && !ch.Solved:
			continue
		case q.Show == ShowUnsolved && ch.Solved:
			continue
		}
		if filter != nil {
			ok, err := filter.Match(ch)
			if err != nil {
				return nil, adapters.Fail("view", "", adapters.ErrInvalidQuery, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, ch.Clone())
	}
	if q.Sort != SortNone {
		Sort(out, q.SortBy, q.Sort == SortDesc)
	}
	return out, nil
}

// Sort orders chs by field. Missing or non-numeric points and solves
// sort lowest. Ties are broken by id ascending regardless of direction.
func Sort(chs []adapters.Challenge, field string, desc bool) {
	slices.SortStableFunc(chs, func(a, b adapters.Challenge) int {
		c := compareBy(a, b, field)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func compareBy(a, b adapters.Challenge, field string) int {
	if field == ByName {
		return cmp.Compare(a.Name, b.Name)
	}
	av, aok := a.Number(field)
	bv, bok := b.Number(field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return cmp.Compare(av, bv)
}
