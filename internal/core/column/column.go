// Package column models the ways a loader may refer to a column: a bare
// name, a table-qualified name, or a raw SQL expression.
package column

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

// IsIdentifier reports whether s is a plain SQL identifier.
func IsIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && identifierRe.MatchString(s)
}

// QuoteIdent quotes a single identifier, doubling embedded quotes.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Ref is a column reference. The set of implementations is closed.
type Ref interface {
	// SQL renders the reference for use inside a statement.
	SQL() string
	// Validate reports a malformed reference.
	Validate() error
	ref()
}

// NameRef is an unqualified column name.
type NameRef struct {
	Column string
}

// QualifiedRef is a column of a specific table or alias.
type QualifiedRef struct {
	Table  string
	Column string
}

// RawRef is a SQL expression used verbatim.
type RawRef struct {
	Expr string
}

// Name returns a reference to an unqualified column.
func Name(col string) Ref { return NameRef{Column: col} }

// Qualified returns a reference to table.col.
func Qualified(table, col string) Ref { return QualifiedRef{Table: table, Column: col} }

// Raw returns a reference to an arbitrary expression.
func Raw(expr string) Ref { return RawRef{Expr: expr} }

func (NameRef) ref()      {}
func (QualifiedRef) ref() {}
func (RawRef) ref()       {}

func (r NameRef) SQL() string { return QuoteIdent(r.Column) }

func (r QualifiedRef) SQL() string { return QuoteIdent(r.Table) + "." + QuoteIdent(r.Column) }

func (r RawRef) SQL() string { return r.Expr }

func (r NameRef) Validate() error {
	if !IsIdentifier(r.Column) {
		return fmt.Errorf("invalid column name %q", r.Column)
	}
	return nil
}

func (r QualifiedRef) Validate() error {
	if !IsIdentifier(r.Table) {
		return fmt.Errorf("invalid table name %q", r.Table)
	}
	if !IsIdentifier(r.Column) {
		return fmt.Errorf("invalid column name %q", r.Column)
	}
	return nil
}

func (r RawRef) Validate() error {
	if strings.TrimSpace(r.Expr) == "" {
		return fmt.Errorf("empty column expression")
	}
	return nil
}

// Parse turns "col" or "table.col" into a reference.
func Parse(s string) (Ref, error) {
	table, col, qualified := strings.Cut(s, ".")
	var r Ref
	if qualified {
		r = Qualified(table, col)
	} else {
		r = Name(s)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
