package virtual

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

var exprEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		panic(err)
	}
	return env
}

// Expr declares a field computed by a CEL expression over the base row,
// e.g. `row.first_name + " " + row.last_name`. The expression is compiled
// once; the request context is available as ctx.
func Expr(deps []string, expression string) (Field, error) {
	ast, issues := exprEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Field{}, apperror.NewConfiguration(fmt.Sprintf("compile virtual field expression: %s", issues.Err())).
			WithDetail("expression", expression)
	}

	prg, err := exprEnv.Program(ast)
	if err != nil {
		return Field{}, apperror.NewConfiguration("build virtual field program").
			WithDetail("expression", expression).
			WithCause(err)
	}

	return Field{
		Dependencies: deps,
		resolve: func(_ context.Context, row schema.Row, reqCtx any) (any, error) {
			out, _, err := prg.Eval(map[string]any{
				"row": map[string]any(row),
				"ctx": reqCtx,
			})
			if err != nil {
				return nil, fmt.Errorf("eval %q: %w", expression, err)
			}
			return out.Value(), nil
		},
	}, nil
}

// MustExpr is Expr for static declarations; it panics on error.
func MustExpr(deps []string, expression string) Field {
	f, err := Expr(deps, expression)
	if err != nil {
		panic(err)
	}
	return f
}
