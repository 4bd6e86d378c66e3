// Package view builds reusable query fragments: a FROM clause plus a named,
// composable set of filters that can be embedded into other views and loaders.
package view

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
	"rowloader/internal/domain/filter"
)

// MainAlias always resolves to the first table of the FROM fragment.
const MainAlias = "_main"

// Tables resolves logical table aliases to the names used in the FROM fragment.
type Tables struct {
	aliases map[string]string
}

// Name returns the SQL name for alias. Unknown aliases resolve to themselves.
func (t Tables) Name(alias string) string {
	if name, ok := t.aliases[alias]; ok {
		return name
	}
	return alias
}

// Column returns a reference to col of the table known as alias.
func (t Tables) Column(alias, col string) column.Ref {
	name := t.Name(alias)
	if name == "" {
		return column.Name(col)
	}
	return column.Qualified(name, col)
}

// Mapper resolves the column a filter applies to.
type Mapper func(t Tables) column.Ref

// entry is a filter registered on the view. build is deferred until the
// aliases in effect are known.
type entry struct {
	key   string
	main  bool // column resolved through _main
	build func(t Tables) filter.Definition
}

// View is a FROM fragment plus a filter registry. Configuration mistakes are
// recorded and reported by Err, Filters and Where.
type View struct {
	from     squirrel.Sqlizer
	aliases  map[string]string
	entries  []entry
	embedded []*filter.Declaration
	pre      []filter.PreProcessor
	post     []filter.PostProcessor
	orOn     bool
	err      error
}

// New creates a view over from, which must be a string or a squirrel.Sqlizer
// whose SQL starts with FROM.
func New(from any) (*View, error) {
	var frag squirrel.Sqlizer
	switch f := from.(type) {
	case string:
		frag = squirrel.Expr(f)
	case squirrel.Sqlizer:
		frag = f
	default:
		return nil, apperror.NewConfiguration(fmt.Sprintf("view source must be a string or Sqlizer, got %T", from))
	}

	sql, _, err := frag.ToSql()
	if err != nil {
		return nil, apperror.NewConfiguration("view source cannot be rendered").WithCause(err)
	}
	rest, ok := cutFrom(sql)
	if !ok {
		return nil, apperror.NewConfiguration("view source must start with FROM").WithDetail("source", sql)
	}

	v := &View{
		from:    frag,
		aliases: make(map[string]string),
	}
	if main := mainTable(rest); main != "" {
		v.aliases[MainAlias] = main
	}
	return v, nil
}

func cutFrom(sql string) (string, bool) {
	s := strings.TrimLeft(sql, " \t\r\n")
	if len(s) < 4 || !strings.EqualFold(s[:4], "FROM") {
		return "", false
	}
	if len(s) > 4 && !isSpace(s[4]) && s[4] != '(' {
		return "", false
	}
	return strings.TrimSpace(s[4:]), true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// keywords that end a table reference in a FROM clause.
var clauseKeywords = map[string]struct{}{
	"LEFT": {}, "RIGHT": {}, "INNER": {}, "OUTER": {}, "JOIN": {}, "CROSS": {}, "FULL": {},
	"NATURAL": {}, "WHERE": {}, "GROUP": {}, "ORDER": {}, "LIMIT": {}, "ON": {}, "USING": {},
}

// mainTable returns the alias of the first table, or its unqualified name.
func mainTable(rest string) string {
	var name string
	if strings.HasPrefix(rest, "(") {
		end := closingParen(rest)
		if end < 0 {
			return ""
		}
		rest = rest[end+1:]
	} else {
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return ""
		}
		name = strings.TrimSuffix(fields[0], ",")
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		name = unquote(name)
		if strings.HasSuffix(fields[0], ",") {
			return name
		}
		rest = strings.TrimPrefix(rest, fields[0])
	}

	fields := strings.Fields(rest)
	if len(fields) > 0 && strings.EqualFold(fields[0], "AS") {
		fields = fields[1:]
	}
	if len(fields) > 0 {
		alias := strings.TrimSuffix(fields[0], ",")
		if _, kw := clauseKeywords[strings.ToUpper(alias)]; !kw && alias != "" {
			return unquote(alias)
		}
	}
	return name
}

func closingParen(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

// From returns the FROM fragment, keyword included.
func (v *View) From() squirrel.Sqlizer { return v.from }

// Err returns the first configuration error recorded by the builder methods.
func (v *View) Err() error { return v.err }

func (v *View) fail(err error) *View {
	if v.err == nil {
		v.err = err
	}
	return v
}

// SetTableAliases maps logical aliases (including _main) to SQL names.
func (v *View) SetTableAliases(aliases map[string]string) *View {
	for alias, name := range aliases {
		if !column.IsIdentifier(name) {
			return v.fail(apperror.NewConfiguration(fmt.Sprintf("invalid table name %q for alias %q", name, alias)))
		}
		v.aliases[alias] = name
	}
	return v
}

// Tables returns the alias lookup currently in effect.
func (v *View) Tables() Tables {
	return v.tables("")
}

func (v *View) tables(mainOverride string) Tables {
	aliases := make(map[string]string, len(v.aliases)+1)
	for k, name := range v.aliases {
		aliases[k] = name
	}
	if mainOverride != "" {
		aliases[MainAlias] = mainOverride
	}
	return Tables{aliases: aliases}
}

// EnableOR allows OR branches in filter trees interpreted by this view.
func (v *View) EnableOR() *View {
	v.orOn = true
	return v
}

// PreProcess appends a tree rewrite hook to the view's filters.
func (v *View) PreProcess(fn filter.PreProcessor) *View {
	v.pre = append(v.pre, fn)
	return v
}

// PostProcess appends a predicate hook to the view's filters.
func (v *View) PostProcess(fn filter.PostProcessor) *View {
	v.post = append(v.post, fn)
	return v
}

// AddFilters embeds another declaration, typically the output of another
// view's Filters.
func (v *View) AddFilters(decl *filter.Declaration) *View {
	if decl == nil {
		return v.fail(apperror.NewConfiguration("embedded filter declaration is nil"))
	}
	v.embedded = append(v.embedded, decl)
	return v
}

// FilterOptions controls how Filters exports the registry.
type FilterOptions struct {
	// Prefix is prepended to every exported key.
	Prefix string
	// Include keeps only matching keys (a trailing * matches any suffix).
	Include []string
	// Exclude drops matching keys.
	Exclude []string
	// Table overrides what _main resolves to, for embedding under another alias.
	Table string
}

// Filters exports the view's filters as a declaration.
func (v *View) Filters(opts FilterOptions) (*filter.Declaration, error) {
	if v.err != nil {
		return nil, v.err
	}
	if opts.Table != "" && !column.IsIdentifier(opts.Table) {
		return nil, apperror.NewConfiguration(fmt.Sprintf("invalid table name %q", opts.Table))
	}

	tables := v.tables(opts.Table)
	if _, ok := tables.aliases[MainAlias]; !ok {
		for _, e := range v.entries {
			if e.main {
				return nil, apperror.NewConfiguration(fmt.Sprintf(
					"filter %q refers to %s, which the FROM fragment does not name; set a table alias", e.key, MainAlias)).
					WithDetail("filter", e.key)
			}
		}
	}
	own := filter.New()
	for _, e := range v.entries {
		if err := own.Add(e.key, e.build(tables)); err != nil {
			return nil, err
		}
	}
	if v.orOn {
		own.EnableOR()
	}
	for _, fn := range v.pre {
		own.PreProcess(fn)
	}
	for _, fn := range v.post {
		own.PostProcess(fn)
	}

	all := append(append([]*filter.Declaration(nil), v.embedded...), own)
	decl := filter.Merge(all...)
	if len(opts.Include) > 0 || len(opts.Exclude) > 0 {
		decl = decl.Select(opts.Include, opts.Exclude)
	}
	return decl.Rename(opts.Prefix), nil
}

// Keys returns the keys of every filter the view exposes.
func (v *View) Keys() []string {
	seen := make(map[string]struct{})
	for _, e := range v.entries {
		seen[e.key] = struct{}{}
	}
	for _, d := range v.embedded {
		for _, k := range d.Keys() {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Where interprets tree against the view's filters and AND-joins the result.
// It returns nil when nothing applies.
func (v *View) Where(tree filter.Node, reqCtx any) (squirrel.Sqlizer, error) {
	decl, err := v.Filters(FilterOptions{})
	if err != nil {
		return nil, err
	}
	preds, err := decl.Interpret(tree, reqCtx)
	if err != nil {
		return nil, err
	}
	return filter.JoinAnd(preds), nil
}

// Select starts a statement over the view's FROM fragment.
func (v *View) Select(columns ...string) squirrel.SelectBuilder {
	return squirrel.Select(columns...).JoinClause(v.from)
}
