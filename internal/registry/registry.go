package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
	"rowloader/internal/core/security"
	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/order"
	"rowloader/internal/domain/schema"
	"rowloader/internal/domain/view"
	"rowloader/internal/domain/virtual"
	"rowloader/internal/infrastructure/shape/cueshape"
)

// Deps are the runtime collaborators shared by every built loader.
type Deps struct {
	Executor loader.Executor
	Plugins  []loader.Plugin
	Options  loader.Options
}

// Registry holds the views and loaders of a definition.
type Registry struct {
	views   map[string]*view.View
	loaders map[string]*loader.Loader
	scopes  map[string]map[string]string
	shapes  *schema.Registry
}

// Build validates def and constructs every view and loader. Views may only
// embed views declared before them.
func Build(def *Definition, deps Deps) (*Registry, error) {
	r := &Registry{
		views:   make(map[string]*view.View),
		loaders: make(map[string]*loader.Loader),
		scopes:  make(map[string]map[string]string),
		shapes:  schema.NewRegistry(),
	}
	for _, vd := range def.Views {
		if err := r.addView(vd); err != nil {
			return nil, err
		}
	}
	for _, ld := range def.Loaders {
		if err := r.addLoader(ld, deps); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Loader returns the loader registered under name.
func (r *Registry) Loader(name string) (*loader.Loader, bool) {
	l, ok := r.loaders[name]
	return l, ok
}

// View returns the view registered under name.
func (r *Registry) View(name string) (*view.View, bool) {
	v, ok := r.views[name]
	return v, ok
}

// Constraints returns the predicates that restrict loader name to scope.
// A nil scope restricts nothing.
func (r *Registry) Constraints(name string, scope *security.AccessScope) []squirrel.Sqlizer {
	return scope.Constraints(r.scopes[name])
}

// Shapes returns the registered row shapes.
func (r *Registry) Shapes() *schema.Registry { return r.shapes }

// Loaders returns the loader names in lexical order.
func (r *Registry) Loaders() []string {
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) addView(vd ViewDef) error {
	if !column.IsIdentifier(vd.Name) {
		return apperror.NewConfiguration(fmt.Sprintf("invalid view name %q", vd.Name))
	}
	if _, dup := r.views[vd.Name]; dup {
		return apperror.NewConfiguration(fmt.Sprintf("view %q declared twice", vd.Name))
	}

	v, err := view.New(vd.From)
	if err != nil {
		return withView(err, vd.Name)
	}
	if len(vd.Aliases) > 0 {
		v.SetTableAliases(vd.Aliases)
	}
	if err := addFilters(v, vd.Filters); err != nil {
		return withView(err, vd.Name)
	}

	for _, e := range vd.Embed {
		other, ok := r.views[e.View]
		if !ok {
			return apperror.NewConfiguration(fmt.Sprintf("view %q embeds unknown view %q", vd.Name, e.View))
		}
		decl, err := other.Filters(view.FilterOptions{
			Prefix:  e.Prefix,
			Table:   e.Table,
			Include: e.Include,
			Exclude: e.Exclude,
		})
		if err != nil {
			return withView(err, vd.Name)
		}
		v.AddFilters(decl)
	}

	if err := v.Err(); err != nil {
		return withView(err, vd.Name)
	}
	r.views[vd.Name] = v
	return nil
}

type filterKind struct {
	keys []string
	add  func(v *view.View, keys []string, opts ...view.Option) *view.View
}

func addFilters(v *view.View, fd FiltersDef) error {
	kinds := []filterKind{
		{fd.String, (*view.View).AddStringFilter},
		{fd.Comparison, (*view.View).AddComparisonFilter},
		{fd.Date, (*view.View).AddDateFilter},
		{fd.Boolean, (*view.View).AddBooleanFilter},
		{fd.InArray, (*view.View).AddInArrayFilter},
		{fd.JSONContains, (*view.View).AddJSONContainsFilter},
	}
	declared := make(map[string]struct{})
	for _, k := range kinds {
		for _, key := range k.keys {
			opts, err := filterOptions(key, fd)
			if err != nil {
				return err
			}
			k.add(v, []string{key}, opts...)
			declared[key] = struct{}{}
		}
	}
	for key := range fd.Columns {
		if _, ok := declared[key]; !ok {
			return apperror.NewConfiguration(fmt.Sprintf("column mapping for undeclared filter %q", key))
		}
	}
	for key := range fd.Shapes {
		if _, ok := declared[key]; !ok {
			return apperror.NewConfiguration(fmt.Sprintf("shape for undeclared filter %q", key))
		}
	}
	if fd.OR {
		v.EnableOR()
	}
	return v.Err()
}

func filterOptions(key string, fd FiltersDef) ([]view.Option, error) {
	var opts []view.Option
	if target, ok := fd.Columns[key]; ok {
		opts = append(opts, columnOption(target))
	}
	if src, ok := fd.Shapes[key]; ok {
		checker, err := cueshape.New(src)
		if err != nil {
			return nil, err
		}
		opts = append(opts, view.WithShape(checker))
	}
	return opts, nil
}

// columnOption maps "alias.col" through the view's table aliases; anything
// else is a bare column or a raw expression.
func columnOption(target string) view.Option {
	if alias, col, ok := strings.Cut(target, "."); ok && column.IsIdentifier(alias) && column.IsIdentifier(col) {
		return view.WithColumn(alias, col)
	}
	ref := parseRef(target)
	return view.WithMapper(func(view.Tables) column.Ref { return ref })
}

func parseRef(s string) column.Ref {
	if ref, err := column.Parse(s); err == nil {
		return ref
	}
	return column.Raw(s)
}

func (r *Registry) addLoader(ld LoaderDef, deps Deps) error {
	if _, dup := r.loaders[ld.Name]; dup {
		return apperror.NewConfiguration(fmt.Sprintf("loader %q declared twice", ld.Name))
	}
	v, ok := r.views[ld.View]
	if !ok {
		return apperror.NewConfiguration(fmt.Sprintf("loader %q uses unknown view %q", ld.Name, ld.View))
	}
	filters, err := v.Filters(view.FilterOptions{})
	if err != nil {
		return withLoader(err, ld.Name)
	}

	shape := ld.Shape
	if shape.Name == "" {
		shape.Name = ld.Name
	}
	if err := r.shapes.Register(shape); err != nil {
		return withLoader(err, ld.Name)
	}

	sortable, err := sortSpec(ld.Sortable)
	if err != nil {
		return withLoader(err, ld.Name)
	}

	virtuals := make(virtual.Set, len(ld.Virtuals))
	for name, vd := range ld.Virtuals {
		f, err := virtual.Expr(vd.Deps, vd.Expr)
		if err != nil {
			return withLoader(err, ld.Name)
		}
		virtuals[name] = f
	}

	scoped := make(map[string]string, len(ld.Scope))
	for key, target := range ld.Scope {
		ref, err := column.Parse(target)
		if err != nil {
			return withLoader(apperror.NewConfiguration(fmt.Sprintf("scope %q has invalid column %q", key, target)).WithCause(err), ld.Name)
		}
		scoped[key] = ref.SQL()
	}

	var checker schema.RowChecker
	switch {
	case ld.RowSchema != "":
		c, err := cueshape.New(ld.RowSchema)
		if err != nil {
			return withLoader(err, ld.Name)
		}
		checker = c
	case ld.CheckRows:
		c, err := cueshape.FromShape(shape)
		if err != nil {
			return withLoader(err, ld.Name)
		}
		checker = c
	}

	l, err := loader.New(loader.Config{
		Name: ld.Name,
		Query: loader.QuerySpec{
			Columns: ld.Columns,
			From:    v.From(),
			GroupBy: ld.GroupBy,
		},
		Shape:        shape,
		Filters:      filters,
		Sortable:     sortable,
		ColumnGroups: ld.Groups,
		Virtuals:     virtuals,
		Checker:      checker,
		Executor:     deps.Executor,
		Plugins:      deps.Plugins,
		Options:      mergeOptions(deps.Options, ld.Options),
	})
	if err != nil {
		return withLoader(err, ld.Name)
	}
	r.loaders[ld.Name] = l
	r.scopes[ld.Name] = scoped
	return nil
}

func sortSpec(defs map[string]SortDef) (order.Spec, error) {
	spec := make(order.Spec, len(defs))
	for key, sd := range defs {
		target := sd.Column
		if target == "" {
			target = key
		}
		var nulls order.NullsOrder
		switch strings.ToLower(sd.Nulls) {
		case "":
			nulls = order.NullsDefault
		case "first":
			nulls = order.NullsFirst
		case "last":
			nulls = order.NullsLast
		default:
			return nil, apperror.NewConfiguration(fmt.Sprintf("sort key %q has invalid nulls %q", key, sd.Nulls))
		}
		spec[key] = order.Column{Ref: parseRef(target), Nullable: sd.Nullable, Nulls: nulls}
	}
	return spec, nil
}

func mergeOptions(base loader.Options, o OptionsDef) loader.Options {
	if o.DefaultTake != 0 {
		base.DefaultTake = o.DefaultTake
	}
	if o.MaxTake != 0 {
		base.MaxTake = o.MaxTake
	}
	if o.MaxLookaheadPages != 0 {
		base.MaxLookaheadPages = o.MaxLookaheadPages
	}
	if o.VirtualConcurrency != 0 {
		base.VirtualConcurrency = o.VirtualConcurrency
	}
	if len(o.Selectable) > 0 {
		base.SelectableColumns = o.Selectable
	}
	return base
}

func withView(err error, name string) error {
	return annotate(err, "view", name)
}

func withLoader(err error, name string) error {
	return annotate(err, "loader", name)
}

func annotate(err error, kind, name string) error {
	if ae, ok := apperror.AsAppError(err); ok {
		return ae.WithDetail(kind, name)
	}
	return apperror.NewConfiguration(fmt.Sprintf("%s %q", kind, name)).WithCause(err)
}
