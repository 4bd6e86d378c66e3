package loader

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/types"
	"rowloader/internal/domain/filter"
	"rowloader/internal/domain/order"
)

// LoadArgs are the per-call load parameters.
type LoadArgs struct {
	// Select lists the fields to return. nil means every field; an empty,
	// non-nil slice selects nothing.
	Select []string
	// SelectGroups adds the members of named column groups to Select.
	SelectGroups []string
	// Where is a filter.Node, a decoded filter object (map[string]any) or nil.
	Where any
	// OrderBy is the requested sort order; every key must be sortable.
	OrderBy []order.Term
	// SearchAfter anchors the page after the row with these sort-key values.
	SearchAfter map[string]any
	// Cursor anchors the page after the row the token was produced for.
	Cursor string
	// Take is the page size; negative values page backward.
	Take int
	// Skip is an offset applied after the keyset anchor.
	Skip int
	// TakeCount runs the COUNT(*) query alongside the page.
	TakeCount bool
	// TakeNextPages fetches enough rows to hand out cursors for that many
	// following pages.
	TakeNextPages int
	// TakeCursors fills Edge.Cursor for every edge.
	TakeCursors bool
	// Constraints are extra predicates (authorization etc.) ANDed into WHERE.
	Constraints []squirrel.Sqlizer
	// Context is passed to filter interpreters, hooks and virtual resolvers.
	Context any
}

// plan is LoadArgs validated against the loader.
type plan struct {
	output   []string // fields the caller receives, in order
	fetch    []string // real fields read from the database, in shape order
	virtuals []string
	project  bool

	order   []order.Resolved
	reverse bool
	take    int // absolute page size, zero means unlimited
	skip    int
	pages   int

	after    []any // keyset anchor, nil when absent
	anchored bool

	where []squirrel.Sqlizer
}

func (l *Loader) prepare(args LoadArgs, paginate bool) (*plan, error) {
	p := &plan{}

	if err := l.expandSelection(p, args); err != nil {
		return nil, err
	}

	// Sorting
	resolved, err := l.sortable.Resolve(args.OrderBy)
	if err != nil {
		return nil, err
	}
	p.order = resolved

	// Page size
	take := args.Take
	if take == 0 {
		take = l.opts.DefaultTake
	}
	if paginate && take == 0 {
		return nil, apperror.NewValidation("take is required for pagination").WithDetail("take", args.Take)
	}
	if take < 0 {
		if len(p.order) == 0 {
			return nil, apperror.NewValidation("negative take requires orderBy").WithDetail("take", take)
		}
		p.reverse = true
		take = -take
	}
	if l.opts.MaxTake > 0 && take > l.opts.MaxTake {
		return nil, apperror.NewValidation(fmt.Sprintf("take must not exceed %d", l.opts.MaxTake)).WithDetail("take", args.Take)
	}
	p.take = take

	if args.Skip < 0 {
		return nil, apperror.NewValidation("skip must not be negative").WithDetail("skip", args.Skip)
	}
	p.skip = args.Skip

	p.pages = 1
	if args.TakeNextPages > 1 {
		if l.opts.MaxLookaheadPages > 0 && args.TakeNextPages > l.opts.MaxLookaheadPages {
			return nil, apperror.NewValidation(fmt.Sprintf("takeNextPages must not exceed %d", l.opts.MaxLookaheadPages)).
				WithDetail("takeNextPages", args.TakeNextPages)
		}
		p.pages = args.TakeNextPages
	}

	// Keyset anchor
	if err := l.resolveAnchor(p, args); err != nil {
		return nil, err
	}

	// Filters
	tree, err := whereTree(args.Where)
	if err != nil {
		return nil, err
	}
	preds, err := l.filters.Interpret(tree, args.Context)
	if err != nil {
		return nil, err
	}
	p.where = append(preds, args.Constraints...)

	return p, nil
}

func whereTree(where any) (filter.Node, error) {
	switch w := where.(type) {
	case nil:
		return nil, nil
	case filter.Node:
		return w, nil
	case map[string]any:
		return filter.Parse(w)
	case json.RawMessage:
		return filter.ParseJSON(w)
	}
	return nil, apperror.NewValidation(fmt.Sprintf("unsupported where type %T", where))
}

// expandSelection resolves select/selectGroups into the output fields and
// the real fields that must be fetched for them.
func (l *Loader) expandSelection(p *plan, args LoadArgs) error {
	var requested []string
	if args.Select == nil && args.SelectGroups == nil {
		requested = l.shape.FieldSet().Names()
		for _, name := range l.virtuals.Names() {
			if !l.fields.Has(name) {
				requested = append(requested, name)
			}
		}
	} else {
		requested = append(requested, args.Select...)
		for _, g := range args.SelectGroups {
			members, ok := l.groups[g]
			if !ok {
				return apperror.NewValidation(fmt.Sprintf("unknown column group %q", g)).WithDetail("selectGroups", g)
			}
			requested = append(requested, members...)
		}
	}

	output := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if !l.known(name) {
			return apperror.NewValidation(fmt.Sprintf("unknown field %q", name)).WithDetail("select", name)
		}
		if l.selectable != nil && !l.selectable.Has(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		output = append(output, name)
	}
	p.output = output

	// Virtual fields shadow real columns of the same name.
	need := make(map[string]struct{})
	for _, name := range output {
		if l.virtuals.Has(name) {
			p.virtuals = append(p.virtuals, name)
			continue
		}
		need[name] = struct{}{}
	}
	for _, dep := range l.virtuals.Dependencies(p.virtuals) {
		need[dep] = struct{}{}
	}

	for _, f := range l.shape.Fields {
		if _, ok := need[f.Name]; ok {
			p.fetch = append(p.fetch, f.Name)
		}
	}
	p.project = len(p.fetch) < len(l.shape.Fields)
	return nil
}

// resolveAnchor turns a cursor or searchAfter map into keyset values.
func (l *Loader) resolveAnchor(p *plan, args LoadArgs) error {
	if args.Cursor != "" && args.SearchAfter != nil {
		return apperror.NewValidation("cursor and searchAfter are mutually exclusive")
	}

	if args.Cursor != "" {
		values, err := l.codec.Decode(args.Cursor)
		if err != nil {
			if apperror.IsInvalidCursor(err) {
				return err
			}
			return apperror.NewInvalidCursor(err)
		}
		if len(values) != len(p.order) {
			return apperror.NewInvalidCursor(fmt.Errorf("cursor has %d values, orderBy has %d keys", len(values), len(p.order))).
				WithDetail("cursor", args.Cursor)
		}
		p.after = values
		p.anchored = true
		return nil
	}

	if args.SearchAfter != nil {
		keys := make([]string, 0, len(args.SearchAfter))
		for k := range args.SearchAfter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := l.sortable[k]; !ok {
				return apperror.NewValidation(fmt.Sprintf("cannot search after %q", k)).WithDetail("searchAfter", k)
			}
		}
		p.anchored = true
		if len(p.order) == 0 {
			return nil
		}
		// Missing keys are treated as null.
		p.after = make([]any, len(p.order))
		for i, r := range p.order {
			v := args.SearchAfter[r.Key]
			if n, ok := v.(json.Number); ok {
				conv, err := types.NormalizeNumber(n)
				if err != nil {
					return apperror.NewValidation(err.Error()).WithDetail("searchAfter", r.Key)
				}
				v = conv
			}
			p.after[i] = v
		}
	}
	return nil
}
