package schema

import (
	"fmt"
	"strings"
)

// RowChecker validates (and may coerce) a fetched row.
type RowChecker interface {
	CheckRow(row Row) (Row, error)
}

// ValueChecker validates (and may coerce) a single input value.
type ValueChecker interface {
	CheckValue(v any) (any, error)
}

// RowCheckerFunc adapts a function to RowChecker.
type RowCheckerFunc func(row Row) (Row, error)

func (f RowCheckerFunc) CheckRow(row Row) (Row, error) { return f(row) }

// ValueCheckerFunc adapts a function to ValueChecker.
type ValueCheckerFunc func(v any) (any, error)

func (f ValueCheckerFunc) CheckValue(v any) (any, error) { return f(v) }

// Issue is one problem found by a checker.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError enumerates every issue a checker found.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		if is.Path == "" {
			parts[i] = is.Message
			continue
		}
		parts[i] = fmt.Sprintf("%s: %s", is.Path, is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
