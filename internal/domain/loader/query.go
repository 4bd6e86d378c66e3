package loader

import (
	"fmt"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/column"
	"rowloader/internal/domain/order"
)

const (
	subqueryAlias      = "subquery"
	countSubqueryAlias = "count_subquery"
	emptyRowColumn     = `1 AS "_row"`
)

func cursorAlias(i int) string {
	return fmt.Sprintf("%s%d", cursorPrefix, i)
}

// Builder returns a new squirrel builder with the loader's placeholder format.
func (l *Loader) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(l.ph)
}

// filtered is the base query with WHERE and GROUP BY but no keyset, order
// or paging.
func (l *Loader) filtered(p *plan, columns []string) squirrel.SelectBuilder {
	q := l.Builder().Select(columns...)
	if l.from != nil {
		q = q.JoinClause(l.from)
	}

	// Apply filters
	for _, pred := range p.where {
		q = q.Where(pred)
	}

	if len(l.groupBy) > 0 {
		q = q.GroupBy(l.groupBy...)
	}
	return q
}

// mainQuery builds the statement for one page. lookahead adds the extra
// rows used to detect following pages.
func (l *Loader) mainQuery(p *plan, lookahead bool) squirrel.SelectBuilder {
	// Build base query
	columns := append([]string(nil), l.columns...)
	for i, r := range p.order {
		columns = append(columns, r.Column.Ref.SQL()+" AS "+column.QuoteIdent(cursorAlias(i)))
	}
	q := l.filtered(p, columns)

	// Apply keyset predicate
	if p.after != nil {
		q = q.Where(keyset(p.order, p.after, p.reverse))
	}

	// Apply ordering
	if len(p.order) > 0 {
		items := make([]string, len(p.order))
		for i, r := range p.order {
			items[i] = r.SQL(p.reverse)
		}
		q = q.OrderBy(items...)
	}

	// Apply pagination
	if limit := p.limit(lookahead); limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if p.skip > 0 {
		q = q.Offset(uint64(p.skip))
	}

	if !p.project {
		return q
	}

	// Final projection: only the fetched fields (plus sort keys) leave the sub-query.
	outer := make([]string, 0, len(p.fetch)+len(p.order))
	for _, f := range p.fetch {
		outer = append(outer, column.QuoteIdent(f))
	}
	for i := range p.order {
		outer = append(outer, column.QuoteIdent(cursorAlias(i)))
	}
	if len(outer) == 0 {
		outer = append(outer, emptyRowColumn)
	}

	wrapped := l.Builder().Select(outer...).FromSelect(q, subqueryAlias)
	if len(p.order) > 0 {
		items := make([]string, len(p.order))
		for i, r := range p.order {
			aliased := r
			aliased.Column.Ref = column.Name(cursorAlias(i))
			items[i] = aliased.SQL(p.reverse)
		}
		wrapped = wrapped.OrderBy(items...)
	}
	return wrapped
}

func (p *plan) limit(lookahead bool) int {
	if p.take == 0 {
		return 0
	}
	if !lookahead {
		return p.take
	}
	return p.take*p.pages + 1
}

// countQuery wraps the filtered query, without keyset or paging, in COUNT(*).
func (l *Loader) countQuery(p *plan) squirrel.SelectBuilder {
	inner := l.filtered(p, l.columns)
	return l.Builder().
		Select("COUNT(*) AS count").
		FromSelect(inner, countSubqueryAlias)
}

func render(q squirrel.SelectBuilder) (Statement, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return Statement{}, fmt.Errorf("build query: %w", err)
	}
	return Statement{SQL: sql, Args: args}, nil
}

// BuildQuery renders the statement Load would execute.
func (l *Loader) BuildQuery(args LoadArgs) (Statement, error) {
	p, err := l.prepare(args, false)
	if err != nil {
		return Statement{}, err
	}
	return render(l.mainQuery(p, false))
}

// BuildPaginationQuery renders the page statement LoadPagination would execute.
func (l *Loader) BuildPaginationQuery(args LoadArgs) (Statement, error) {
	p, err := l.prepare(args, true)
	if err != nil {
		return Statement{}, err
	}
	return render(l.mainQuery(p, true))
}

// BuildCountQuery renders the COUNT(*) statement for args.
func (l *Loader) BuildCountQuery(args LoadArgs) (Statement, error) {
	p, err := l.prepare(args, false)
	if err != nil {
		return Statement{}, err
	}
	return render(l.countQuery(p))
}

// keyset builds the "rows after the anchor" predicate: one branch per sort
// column, equal on every earlier column and strictly after on its own.
func keyset(cols []order.Resolved, values []any, reverse bool) squirrel.Sqlizer {
	branches := make([]squirrel.Sqlizer, 0, len(cols))
	for i, r := range cols {
		after := afterCondition(r, values[i], reverse)
		if after == nil {
			continue
		}
		parts := make([]squirrel.Sqlizer, 0, i+1)
		for j := 0; j < i; j++ {
			parts = append(parts, squirrel.Eq{cols[j].Column.Ref.SQL(): values[j]})
		}
		parts = append(parts, after)
		if len(parts) == 1 {
			branches = append(branches, after)
			continue
		}
		branches = append(branches, squirrel.And(parts))
	}

	switch len(branches) {
	case 0:
		return squirrel.Expr("1=0")
	case 1:
		return branches[0]
	}
	return squirrel.Or(branches)
}

// afterCondition is "strictly after value" for one column in the direction
// the statement sorts by. nil means no row can follow on this column.
func afterCondition(r order.Resolved, value any, reverse bool) squirrel.Sqlizer {
	col := r.Column.Ref.SQL()
	nullsAfter := r.NullsAfter(reverse)

	if value == nil {
		if nullsAfter {
			return nil
		}
		return squirrel.NotEq{col: nil}
	}

	var cmp squirrel.Sqlizer = squirrel.Gt{col: value}
	if r.Exec(reverse) == order.Desc {
		cmp = squirrel.Lt{col: value}
	}
	if nullsAfter {
		return squirrel.Or{cmp, squirrel.Eq{col: nil}}
	}
	return cmp
}
