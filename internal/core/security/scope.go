// Package security restricts loader results to the rows a caller may see.
package security

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
)

// AccessScope defines the boundaries of data visibility for the current request.
type AccessScope struct {
	UserID string

	// IsAdmin bypasses every scope restriction.
	IsAdmin bool

	// Allowed maps a scope key (e.g. "team") to the values the caller may see.
	// A missing key or an empty list grants nothing.
	Allowed map[string][]string
}

// CanAccess checks if the caller may see rows with value under key.
func (s *AccessScope) CanAccess(key, value string) bool {
	if s.IsAdmin {
		return true
	}
	for _, v := range s.Allowed[key] {
		if v == value {
			return true
		}
	}
	return false
}

// Filter returns the intersection of requested and allowed values.
// An empty request means everything allowed.
func (s *AccessScope) Filter(key string, requested []string) []string {
	if s.IsAdmin {
		return requested
	}
	if len(requested) == 0 {
		return s.Allowed[key]
	}

	var result []string
	for _, v := range requested {
		if s.CanAccess(key, v) {
			result = append(result, v)
		}
	}
	return result
}

// Constraints renders one predicate per scoped column, keyed by scope key.
// Admins get none; a key without allowed values matches no rows.
func (s *AccessScope) Constraints(columns map[string]string) []squirrel.Sqlizer {
	if s == nil || s.IsAdmin || len(columns) == 0 {
		return nil
	}
	keys := make([]string, 0, len(columns))
	for k := range columns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]squirrel.Sqlizer, 0, len(keys))
	for _, k := range keys {
		values := s.Allowed[k]
		if values == nil {
			values = []string{}
		}
		out = append(out, squirrel.Eq{columns[k]: values})
	}
	return out
}

// ParseScope parses "team=1,2;org=acme" into a non-admin scope. The single
// word "admin" yields an admin scope.
func ParseScope(spec string) (*AccessScope, error) {
	spec = strings.TrimSpace(spec)
	if spec == "admin" {
		return &AccessScope{IsAdmin: true}, nil
	}
	scope := &AccessScope{Allowed: make(map[string][]string)}
	if spec == "" {
		return scope, nil
	}
	for _, part := range strings.Split(spec, ";") {
		key, values, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, apperror.NewValidation(fmt.Sprintf("invalid scope entry %q", part)).
				WithDetail("expected", "key=value[,value...]")
		}
		list := scope.Allowed[key]
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				list = append(list, v)
			}
		}
		if list == nil {
			list = []string{}
		}
		scope.Allowed[key] = list
	}
	return scope, nil
}

// --- Context-based scope access ---

type scopeKey struct{}

// WithScope adds AccessScope to context.
func WithScope(ctx context.Context, scope *AccessScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// GetScope returns the AccessScope from context, or nil.
func GetScope(ctx context.Context) *AccessScope {
	if v, ok := ctx.Value(scopeKey{}).(*AccessScope); ok {
		return v
	}
	return nil
}
