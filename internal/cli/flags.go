package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rowloader/internal/core/security"
	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/order"
)

// loadFlags are the per-call arguments shared by query and load.
type loadFlags struct {
	where       string
	orderBy     string
	searchAfter string
	cursor      string
	selection   []string
	groups      []string
	take        int
	skip        int
	count       bool
	nextPages   int
	cursors     bool
	context     string
	scope       string
}

func (f *loadFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.where, "where", "w", "", `filter object as JSON, e.g. '{"age":{"_gte":30}}'`)
	fs.StringVarP(&f.orderBy, "order", "o", "", `sort terms, e.g. "name,-id"`)
	fs.StringVar(&f.searchAfter, "after", "", "sort-key values of the anchor row as a JSON object")
	fs.StringVar(&f.cursor, "cursor", "", "cursor of the anchor row")
	fs.StringSliceVarP(&f.selection, "select", "s", nil, "fields to return (default all)")
	fs.StringSliceVar(&f.groups, "groups", nil, "column groups to add to the selection")
	fs.IntVarP(&f.take, "take", "n", 0, "page size; negative pages backward")
	fs.IntVar(&f.skip, "skip", 0, "rows to skip after the anchor")
	fs.BoolVar(&f.count, "count", false, "also count all matching rows")
	fs.IntVar(&f.nextPages, "next-pages", 0, "hand out cursors for this many following pages")
	fs.BoolVar(&f.cursors, "cursors", false, "attach a cursor to every edge")
	fs.StringVar(&f.context, "context", "", "request context as JSON, passed to hooks and virtual fields")
	fs.StringVar(&f.scope, "scope", "", `restrict rows to an access scope, e.g. "team=1,2;org=acme" or "admin"`)
}

func (f *loadFlags) args() (loader.LoadArgs, error) {
	terms, err := order.ParseTerms(f.orderBy)
	if err != nil {
		return loader.LoadArgs{}, err
	}
	args := loader.LoadArgs{
		Select:        f.selection,
		SelectGroups:  f.groups,
		OrderBy:       terms,
		Cursor:        f.cursor,
		Take:          f.take,
		Skip:          f.skip,
		TakeCount:     f.count,
		TakeNextPages: f.nextPages,
		TakeCursors:   f.cursors,
	}
	if f.where != "" {
		if !json.Valid([]byte(f.where)) {
			return loader.LoadArgs{}, fmt.Errorf("--where is not valid JSON")
		}
		args.Where = json.RawMessage(f.where)
	}
	if f.searchAfter != "" {
		if err := decodeJSON(f.searchAfter, &args.SearchAfter); err != nil {
			return loader.LoadArgs{}, fmt.Errorf("--after: %w", err)
		}
	}
	if f.context != "" {
		if err := decodeJSON(f.context, &args.Context); err != nil {
			return loader.LoadArgs{}, fmt.Errorf("--context: %w", err)
		}
	}
	return args, nil
}

// applyScope restricts args to the --scope of the caller and records the
// scope in ctx.
func (f *loadFlags) applyScope(ctx context.Context, rt *runtime, name string, args *loader.LoadArgs) (context.Context, error) {
	if f.scope == "" {
		return ctx, nil
	}
	scope, err := security.ParseScope(f.scope)
	if err != nil {
		return ctx, err
	}
	args.Constraints = append(args.Constraints, rt.registry.Constraints(name, scope)...)
	return security.WithScope(ctx, scope), nil
}

// decodeJSON keeps numbers as json.Number so integers survive unchanged.
func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}
