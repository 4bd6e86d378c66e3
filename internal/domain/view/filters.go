package view

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
	"rowloader/internal/core/types"
	"rowloader/internal/domain/filter"
	"rowloader/internal/domain/schema"
)

// Option customizes a registered filter.
type Option func(*options)

type options struct {
	mapper Mapper
	shape  schema.ValueChecker
}

// WithMapper resolves the target column with m instead of the key itself.
// A mapper may only be given for a single key.
func WithMapper(m Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithColumn is WithMapper for a fixed alias and column.
func WithColumn(alias, col string) Option {
	return WithMapper(func(t Tables) column.Ref { return t.Column(alias, col) })
}

// WithShape validates raw filter values before interpretation.
func WithShape(c schema.ValueChecker) Option {
	return func(o *options) { o.shape = c }
}

// GenericInterpreter is a filter interpreter that also receives the aliases in effect.
type GenericInterpreter func(t Tables, value any, all filter.Fields, reqCtx any) (squirrel.Sqlizer, error)

// columnInterpreter builds a predicate for a resolved column.
type columnInterpreter func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error)

func (v *View) register(keys []string, opts []Option, interpret columnInterpreter) *View {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(keys) == 0 {
		return v.fail(apperror.NewConfiguration("filter registered without keys"))
	}
	if o.mapper != nil && len(keys) > 1 {
		return v.fail(apperror.NewConfiguration("a custom mapper cannot be shared by several filter keys").
			WithDetail("keys", strings.Join(keys, ",")))
	}

	for _, key := range keys {
		mapper := o.mapper
		if mapper == nil {
			m, err := keyMapper(key)
			if err != nil {
				return v.fail(err)
			}
			mapper = m
		}
		alias, _, qualified := strings.Cut(key, ".")
		v.entries = append(v.entries, entry{
			key:  key,
			main: o.mapper == nil && (!qualified || alias == MainAlias),
			build: func(t Tables) filter.Definition {
				ref := mapper(t)
				return filter.Definition{
					Shape: o.shape,
					Interpret: func(value any, _ filter.Fields, _ any) (squirrel.Sqlizer, error) {
						if err := ref.Validate(); err != nil {
							return nil, apperror.NewConfiguration(err.Error()).WithDetail("filter", key)
						}
						return interpret(key, ref, value)
					},
				}
			},
		})
	}
	return v
}

// keyMapper maps "col" to _main.col and "alias.col" to alias.col.
func keyMapper(key string) (Mapper, error) {
	alias, col, qualified := strings.Cut(key, ".")
	if !qualified {
		alias, col = MainAlias, key
	}
	if !column.IsIdentifier(col) || (qualified && !column.IsIdentifier(alias)) {
		return nil, apperror.NewConfiguration(fmt.Sprintf("filter key %q is not a column; give it a mapper", key))
	}
	return func(t Tables) column.Ref { return t.Column(alias, col) }, nil
}

func badValue(key string, err error) error {
	return apperror.NewValidation(fmt.Sprintf("invalid value for filter %q", key)).
		WithDetail("filter", key).
		WithCause(err)
}

// convert rewrites every condition value (and every list element) with fn.
func convert(conds []filter.Condition, fn func(any) (any, error)) ([]filter.Condition, error) {
	out := make([]filter.Condition, len(conds))
	for i, c := range conds {
		out[i] = c
		if c.Op == filter.IsNull || c.Op == filter.IsNotNull {
			continue
		}
		rv := reflect.ValueOf(c.Value)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			list := make([]any, rv.Len())
			for j := range list {
				conv, err := fn(rv.Index(j).Interface())
				if err != nil {
					return nil, err
				}
				list[j] = conv
			}
			out[i].Value = list
			continue
		}
		conv, err := fn(c.Value)
		if err != nil {
			return nil, err
		}
		out[i].Value = conv
	}
	return out, nil
}

func conditions(key string, value any, fn func(any) (any, error)) ([]filter.Condition, error) {
	conds, err := filter.ParseConditions(value)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return conds, nil
	}
	conds, err = convert(conds, fn)
	if err != nil {
		return nil, badValue(key, err)
	}
	return conds, nil
}

func applyConditions(ref column.Ref, conds []filter.Condition) (squirrel.Sqlizer, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	return filter.ApplyAll(ref.SQL(), conds)
}

// AddStringFilter registers text filters: equality, membership and
// like/ilike/contains operators.
func (v *View) AddStringFilter(keys []string, opts ...Option) *View {
	return v.register(keys, opts, func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error) {
		conds, err := conditions(key, value, func(x any) (any, error) {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", x)
			}
			return s, nil
		})
		if err != nil {
			return nil, err
		}
		return applyConditions(ref, conds)
	})
}

// AddComparisonFilter registers numeric filters. JSON numbers are converted
// to int64 or an exact decimal.
func (v *View) AddComparisonFilter(keys []string, opts ...Option) *View {
	return v.register(keys, opts, func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error) {
		conds, err := conditions(key, value, types.NormalizeNumber)
		if err != nil {
			return nil, err
		}
		return applyConditions(ref, conds)
	})
}

// AddDateFilter registers date/time filters. Strings are parsed as RFC3339
// or YYYY-MM-DD.
func (v *View) AddDateFilter(keys []string, opts ...Option) *View {
	return v.register(keys, opts, func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error) {
		conds, err := conditions(key, value, func(x any) (any, error) { return types.ParseTime(x) })
		if err != nil {
			return nil, err
		}
		return applyConditions(ref, conds)
	})
}

// AddBooleanFilter registers a flag: true selects rows where the column (or
// mapped expression) holds, false selects rows where it does not.
func (v *View) AddBooleanFilter(keys []string, opts ...Option) *View {
	return v.register(keys, opts, func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error) {
		want, ok := value.(bool)
		if !ok {
			return nil, badValue(key, fmt.Errorf("expected a boolean, got %T", value))
		}
		expr := squirrel.Expr(ref.SQL())
		if want {
			return expr, nil
		}
		return filter.Negate(expr), nil
	})
}

// AddInArrayFilter registers a filter over an array column: a scalar must be
// an element of the array, a list must overlap it.
func (v *View) AddInArrayFilter(keys []string, opts ...Option) *View {
	return v.register(keys, opts, func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error) {
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
			if rv.Len() == 0 {
				return nil, nil
			}
			return squirrel.Expr(ref.SQL()+" && ?", value), nil
		}
		return squirrel.Expr("? = ANY("+ref.SQL()+")", value), nil
	})
}

// AddJSONContainsFilter registers a jsonb containment filter (@>).
func (v *View) AddJSONContainsFilter(keys []string, opts ...Option) *View {
	return v.register(keys, opts, func(key string, ref column.Ref, value any) (squirrel.Sqlizer, error) {
		doc, err := json.Marshal(value)
		if err != nil {
			return nil, badValue(key, err)
		}
		return squirrel.Expr(ref.SQL()+" @> ?::jsonb", string(doc)), nil
	})
}

// AddGenericFilter registers a filter with a caller-supplied interpreter.
func (v *View) AddGenericFilter(key string, fn GenericInterpreter, opts ...Option) *View {
	if fn == nil {
		return v.fail(apperror.NewConfiguration(fmt.Sprintf("filter %q has no interpreter", key)))
	}
	if strings.TrimSpace(key) == "" {
		return v.fail(apperror.NewConfiguration("filter key must not be empty"))
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	v.entries = append(v.entries, entry{
		key: key,
		build: func(t Tables) filter.Definition {
			return filter.Definition{
				Shape: o.shape,
				Interpret: func(value any, all filter.Fields, reqCtx any) (squirrel.Sqlizer, error) {
					return fn(t, value, all, reqCtx)
				},
			}
		},
	})
	return v
}
