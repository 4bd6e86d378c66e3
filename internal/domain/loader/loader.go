// Package loader assembles SQL statements from load parameters (selection,
// filter tree, sort order, keyset cursor) and turns the fetched rows into
// records or a pagination envelope.
package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
	"rowloader/internal/domain/cursor"
	"rowloader/internal/domain/filter"
	"rowloader/internal/domain/order"
	"rowloader/internal/domain/schema"
	"rowloader/internal/domain/virtual"
	"rowloader/pkg/logger"
)

var tracer = otel.Tracer("rowloader/loader")

// Executor runs a parameterized statement and returns its rows in order.
type Executor interface {
	Query(ctx context.Context, sql string, args ...any) ([]schema.Row, error)
}

// PlaceholderProvider is implemented by executors that need a specific
// placeholder format (e.g. $1 for PostgreSQL).
type PlaceholderProvider interface {
	Placeholder() squirrel.PlaceholderFormat
}

// CursorCodec converts sort-key tuples to opaque tokens.
type CursorCodec interface {
	Encode(values []any) (string, error)
	Decode(token string) ([]any, error)
}

// QuerySpec is the base query of a loader.
type QuerySpec struct {
	// Columns is the select list; it must produce exactly the shape's fields.
	// Empty means one quoted column per shape field.
	Columns []string
	// From is the FROM fragment, keyword included (see view.View.From).
	From squirrel.Sqlizer
	// GroupBy expressions, if any.
	GroupBy []string
}

// Options tune a loader.
type Options struct {
	// DefaultTake applies when LoadArgs.Take is zero.
	DefaultTake int
	// MaxTake rejects larger page sizes (zero means unbounded).
	MaxTake int
	// MaxLookaheadPages rejects larger TakeNextPages (zero means unbounded).
	MaxLookaheadPages int
	// SelectableColumns restricts the fields callers may receive.
	SelectableColumns []string
	// VirtualConcurrency bounds concurrent async virtual resolvers.
	VirtualConcurrency int
	// Placeholder overrides the executor's placeholder format.
	Placeholder squirrel.PlaceholderFormat
	Codec       CursorCodec
	Logger      *logger.Logger
}

// Config declares a loader.
type Config struct {
	Name         string
	Query        QuerySpec
	Shape        schema.Shape
	Filters      *filter.Declaration
	Sortable     order.Spec
	ColumnGroups map[string][]string
	Virtuals     virtual.Set
	Checker      schema.RowChecker
	Executor     Executor
	Plugins      []Plugin
	Options      Options
}

// Loader is an immutable, validated loader declaration.
type Loader struct {
	name       string
	columns    []string
	from       squirrel.Sqlizer
	groupBy    []string
	shape      schema.Shape
	fields     *schema.FieldSet
	filters    *filter.Declaration
	sortable   order.Spec
	groups     map[string][]string
	virtuals   virtual.Set
	checker    schema.RowChecker
	executor   Executor
	hooks      *hookRegistry
	opts       Options
	selectable *schema.FieldSet
	ph         squirrel.PlaceholderFormat
	codec      CursorCodec
	log        *logger.Logger
}

// cursorPrefix names the extra columns that carry sort-key values.
const cursorPrefix = "_cursor_"

// New validates cfg and creates a loader. Every problem is a configuration error.
func New(cfg Config) (*Loader, error) {
	if cfg.Executor == nil {
		return nil, apperror.NewConfiguration(fmt.Sprintf("loader %q has no executor", cfg.Name))
	}
	if err := cfg.Shape.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Shape.Name
	}
	fields := cfg.Shape.FieldSet()
	for _, f := range cfg.Shape.Fields {
		if strings.HasPrefix(f.Name, cursorPrefix) {
			return nil, apperror.NewConfiguration(fmt.Sprintf("field name %q is reserved", f.Name))
		}
	}

	l := &Loader{
		name:     name,
		columns:  cfg.Query.Columns,
		from:     cfg.Query.From,
		groupBy:  cfg.Query.GroupBy,
		shape:    cfg.Shape,
		fields:   fields,
		filters:  cfg.Filters,
		sortable: cfg.Sortable,
		groups:   cfg.ColumnGroups,
		virtuals: cfg.Virtuals,
		checker:  cfg.Checker,
		executor: cfg.Executor,
		opts:     cfg.Options,
		codec:    cfg.Options.Codec,
		log:      cfg.Options.Logger,
	}

	if len(l.columns) == 0 {
		l.columns = make([]string, len(cfg.Shape.Fields))
		for i, f := range cfg.Shape.Fields {
			l.columns[i] = column.QuoteIdent(f.Name)
		}
	}
	if l.from != nil {
		if err := checkFrom(l.from); err != nil {
			return nil, err
		}
	}
	if l.filters == nil {
		l.filters = filter.New()
	}
	if l.sortable == nil {
		l.sortable = order.Spec{}
	}
	if err := l.sortable.Validate(); err != nil {
		return nil, err
	}
	if l.virtuals == nil {
		l.virtuals = virtual.Set{}
	}
	if err := l.virtuals.Validate(fields); err != nil {
		return nil, err
	}

	for group, members := range l.groups {
		for _, m := range members {
			if !l.known(m) {
				return nil, apperror.NewConfiguration(fmt.Sprintf("column group %q names unknown field %q", group, m))
			}
		}
	}

	if err := l.validateOptions(); err != nil {
		return nil, err
	}

	hooks, err := newHookRegistry(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	l.hooks = hooks

	switch {
	case l.opts.Placeholder != nil:
		l.ph = l.opts.Placeholder
	default:
		if p, ok := cfg.Executor.(PlaceholderProvider); ok {
			l.ph = p.Placeholder()
		}
	}
	if l.ph == nil {
		l.ph = squirrel.Question
	}
	if l.codec == nil {
		l.codec = cursor.Default()
	}
	if l.log == nil {
		l.log = logger.Default()
	}
	l.log = l.log.WithLoader(l.name)

	return l, nil
}

func (l *Loader) validateOptions() error {
	o := l.opts
	switch {
	case o.DefaultTake < 0, o.MaxTake < 0, o.MaxLookaheadPages < 0, o.VirtualConcurrency < 0:
		return apperror.NewConfiguration("loader options must not be negative")
	case o.MaxTake > 0 && o.DefaultTake > o.MaxTake:
		return apperror.NewConfiguration("default take exceeds max take")
	}
	if o.SelectableColumns != nil {
		l.selectable = schema.NewFieldSet()
		for _, c := range o.SelectableColumns {
			if !l.known(c) {
				return apperror.NewConfiguration(fmt.Sprintf("selectable column %q is not a field", c))
			}
			l.selectable.Add(c)
		}
	}
	return nil
}

// known reports whether name is a real or virtual field.
func (l *Loader) known(name string) bool {
	return l.fields.Has(name) || l.virtuals.Has(name)
}

func checkFrom(from squirrel.Sqlizer) error {
	sql, _, err := from.ToSql()
	if err != nil {
		return apperror.NewConfiguration("FROM fragment cannot be rendered").WithCause(err)
	}
	s := strings.TrimSpace(sql)
	if len(s) < 5 || !strings.EqualFold(s[:4], "FROM") || (s[4] != ' ' && s[4] != '\n' && s[4] != '\t' && s[4] != '(') {
		return apperror.NewConfiguration("FROM fragment must start with FROM").WithDetail("source", sql)
	}
	return nil
}

// Name returns the loader name.
func (l *Loader) Name() string { return l.name }

// Shape returns the declared output shape.
func (l *Loader) Shape() schema.Shape { return l.shape }

// Statement is a rendered SQL statement.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
}
