// Package virtual computes derived fields after the base query returns.
package virtual

import (
	"context"
	"fmt"
	"sort"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

// Resolver computes a field value from a base row.
type Resolver func(ctx context.Context, row schema.Row, reqCtx any) (any, error)

// Field is a virtual field declaration.
type Field struct {
	// Dependencies are fetched even when the caller did not select them.
	Dependencies []string

	resolve    Resolver
	concurrent bool
}

// Func declares a field computed inline, row by row.
func Func(deps []string, fn func(row schema.Row, reqCtx any) (any, error)) Field {
	if fn == nil {
		return Field{Dependencies: deps}
	}
	return Field{
		Dependencies: deps,
		resolve: func(_ context.Context, row schema.Row, reqCtx any) (any, error) {
			return fn(row, reqCtx)
		},
	}
}

// Async declares a field whose resolver may block (remote lookups etc).
// Rows are resolved concurrently.
func Async(deps []string, fn Resolver) Field {
	return Field{Dependencies: deps, resolve: fn, concurrent: true}
}

// Concurrent reports whether rows are resolved concurrently.
func (f Field) Concurrent() bool { return f.concurrent }

// Set is the virtual fields of a loader, by name.
type Set map[string]Field

// Validate checks that every field has a resolver and depends only on real fields.
func (s Set) Validate(fields *schema.FieldSet) error {
	for _, name := range s.Names() {
		f := s[name]
		if f.resolve == nil {
			return apperror.NewConfiguration(fmt.Sprintf("virtual field %q has no resolver", name))
		}
		for _, dep := range f.Dependencies {
			if !fields.Has(dep) {
				return apperror.NewConfiguration(fmt.Sprintf("virtual field %q depends on unknown field %q", name, dep)).
					WithDetail("field", name)
			}
		}
	}
	return nil
}

// Names returns the declared names in lexical order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a virtual field.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}
