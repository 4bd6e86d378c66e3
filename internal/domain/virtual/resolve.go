package virtual

import (
	"context"

	"golang.org/x/sync/errgroup"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

// Resolve computes the requested virtual fields for every row and stores
// them in place. Every resolver sees the base row: values are written only
// after all fields are resolved. limit bounds concurrent resolver calls
// (zero means unbounded). The first failure aborts with VIRTUAL_FIELD_ERROR.
func (s Set) Resolve(ctx context.Context, rows []schema.Row, names []string, reqCtx any, limit int) error {
	if len(rows) == 0 || len(names) == 0 {
		return nil
	}

	results := make(map[string][]any, len(names))
	var concurrent []string

	for _, name := range names {
		f, ok := s[name]
		if !ok {
			continue
		}
		values := make([]any, len(rows))
		results[name] = values
		if f.concurrent {
			concurrent = append(concurrent, name)
			continue
		}
		for i, row := range rows {
			v, err := f.resolve(ctx, row, reqCtx)
			if err != nil {
				return apperror.NewVirtualField(name, err)
			}
			values[i] = v
		}
	}

	if len(concurrent) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, name := range concurrent {
			f, values := s[name], results[name]
			for i, row := range rows {
				g.Go(func() error {
					v, err := f.resolve(gctx, row, reqCtx)
					if err != nil {
						return apperror.NewVirtualField(name, err)
					}
					values[i] = v
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for name, values := range results {
		for i, row := range rows {
			row[name] = values[i]
		}
	}
	return nil
}

// Dependencies returns the real fields the named virtual fields need.
func (s Set) Dependencies(names []string) []string {
	var deps []string
	seen := make(map[string]struct{})
	for _, name := range names {
		for _, dep := range s[name].Dependencies {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
		}
	}
	return deps
}
