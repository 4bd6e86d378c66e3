// Package order describes which keys a loader may be sorted by and how each
// key orders its null values.
package order

import (
	"fmt"
	"sort"
	"strings"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// ParseDirection accepts asc/desc in any case. Empty means ascending.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ASC":
		return Asc, nil
	case "DESC":
		return Desc, nil
	}
	return "", apperror.NewValidation(fmt.Sprintf("invalid sort direction %q", s)).WithDetail("direction", s)
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Desc {
		return Asc
	}
	return Desc
}

// NullsOrder places nulls relative to the requested direction.
type NullsOrder int

const (
	// NullsDefault sorts nulls as larger than every non-null value.
	NullsDefault NullsOrder = iota
	// NullsFirst puts nulls before non-null values in the requested direction.
	NullsFirst
	// NullsLast puts nulls after non-null values in the requested direction.
	NullsLast
)

// Column is a sortable column.
type Column struct {
	Ref      column.Ref
	Nullable bool
	Nulls    NullsOrder
}

// Spec maps sort keys to columns. Only its keys are valid in orderBy and
// searchAfter.
type Spec map[string]Column

// Validate reports malformed column references.
func (s Spec) Validate() error {
	for _, key := range s.Keys() {
		c := s[key]
		if c.Ref == nil {
			return apperror.NewConfiguration(fmt.Sprintf("sort key %q has no column", key))
		}
		if err := c.Ref.Validate(); err != nil {
			return apperror.NewConfiguration(fmt.Sprintf("sort key %q: %v", key, err)).WithDetail("key", key)
		}
		if c.Nulls < NullsDefault || c.Nulls > NullsLast {
			return apperror.NewConfiguration(fmt.Sprintf("sort key %q has invalid null ordering", key))
		}
	}
	return nil
}

// Keys returns the sortable keys in lexical order.
func (s Spec) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Term is one requested sort key.
type Term struct {
	Key       string    `json:"key"`
	Direction Direction `json:"direction,omitempty"`
}

// ParseTerms parses "name,-id,+code" or "name desc, id" into terms.
func ParseTerms(s string) ([]Term, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	terms := make([]Term, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		direction := Asc

		// Support "-field" for DESC.
		switch {
		case strings.HasPrefix(part, "-"):
			direction = Desc
			part = strings.TrimPrefix(part, "-")
		case strings.HasPrefix(part, "+"):
			part = strings.TrimPrefix(part, "+")
		}

		field, dir, hasDir := strings.Cut(strings.TrimSpace(part), " ")
		if hasDir {
			d, err := ParseDirection(dir)
			if err != nil {
				return nil, apperror.NewValidation("invalid orderBy").WithDetail("orderBy", s)
			}
			direction = d
		}
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, apperror.NewValidation("invalid orderBy").WithDetail("orderBy", s)
		}
		terms = append(terms, Term{Key: field, Direction: direction})
	}
	return terms, nil
}

// Resolved is a term bound to its column.
type Resolved struct {
	Key       string
	Column    Column
	Direction Direction
}

// Resolve binds terms to the spec. Unknown or repeated keys and invalid
// directions are validation errors.
func (s Spec) Resolve(terms []Term) ([]Resolved, error) {
	out := make([]Resolved, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		c, ok := s[t.Key]
		if !ok {
			return nil, apperror.NewValidation(fmt.Sprintf("cannot sort by %q", t.Key)).WithDetail("orderBy", t.Key)
		}
		if _, dup := seen[t.Key]; dup {
			return nil, apperror.NewValidation(fmt.Sprintf("sort key %q repeated", t.Key)).WithDetail("orderBy", t.Key)
		}
		seen[t.Key] = struct{}{}
		d, err := ParseDirection(string(t.Direction))
		if err != nil {
			return nil, err
		}
		out = append(out, Resolved{Key: t.Key, Column: c, Direction: d})
	}
	return out, nil
}

// Exec is the direction the statement sorts by; backward pages reverse it.
func (r Resolved) Exec(reverse bool) Direction {
	if reverse {
		return r.Direction.Reverse()
	}
	return r.Direction
}

// nullsLargest reports whether nulls compare above non-null values.
func (r Resolved) nullsLargest() bool {
	switch r.Column.Nulls {
	case NullsFirst:
		return r.Direction == Desc
	case NullsLast:
		return r.Direction == Asc
	}
	return true
}

// NullsAfter reports whether null values come after non-null ones when the
// statement sorts in Exec(reverse).
func (r Resolved) NullsAfter(reverse bool) bool {
	return r.Column.Nullable && r.nullsLargest() == (r.Exec(reverse) == Asc)
}

// SQL renders the ORDER BY item. Nullable columns always carry an explicit
// NULLS FIRST/LAST matching NullsAfter.
func (r Resolved) SQL(reverse bool) string {
	item := r.Column.Ref.SQL() + " " + string(r.Exec(reverse))
	if !r.Column.Nullable {
		return item
	}
	if r.NullsAfter(reverse) {
		return item + " NULLS LAST"
	}
	return item + " NULLS FIRST"
}
