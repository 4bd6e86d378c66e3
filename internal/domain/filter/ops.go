package filter

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"

	"rowloader/internal/core/apperror"
)

// Condition is one operator applied to one value.
type Condition struct {
	Op    ComparisonType
	Value any
}

// ParseConditions normalizes a filter value into conditions: a scalar means
// equality, a list means membership, and an object such as
// {"_gte": 1, "_lt": 10} lists operators explicitly.
func ParseConditions(v any) ([]Condition, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		ops := make([]string, 0, len(val))
		for k := range val {
			ops = append(ops, k)
		}
		sort.Strings(ops)

		conds := make([]Condition, 0, len(ops))
		for _, k := range ops {
			op, err := parseOperator(k)
			if err != nil {
				return nil, err
			}
			if val[k] == nil && op != IsNull && op != IsNotNull {
				continue
			}
			conds = append(conds, Condition{Op: op, Value: val[k]})
		}
		return conds, nil
	}
	if isList(v) {
		return []Condition{{Op: InList, Value: v}}, nil
	}
	return []Condition{{Op: Equal, Value: v}}, nil
}

func parseOperator(key string) (ComparisonType, error) {
	if strings.HasPrefix(key, "_") {
		op := ComparisonType(key[1:])
		switch op {
		case Equal, NotEqual, Less, LessOrEqual, Greater, GreaterOrEqual,
			InList, NotInList, Like, ILike, Contains, NotContains, IsNull, IsNotNull:
			return op, nil
		}
	}
	return "", apperror.NewValidation(fmt.Sprintf("unknown filter operator %q", key)).WithDetail("operator", key)
}

// Apply renders a condition against a column expression.
func Apply(col string, c Condition) (squirrel.Sqlizer, error) {
	switch c.Op {
	case Equal:
		return squirrel.Eq{col: c.Value}, nil
	case NotEqual:
		return squirrel.NotEq{col: c.Value}, nil
	case Less:
		return squirrel.Lt{col: c.Value}, nil
	case LessOrEqual:
		return squirrel.LtOrEq{col: c.Value}, nil
	case Greater:
		return squirrel.Gt{col: c.Value}, nil
	case GreaterOrEqual:
		return squirrel.GtOrEq{col: c.Value}, nil
	case InList, NotInList:
		if !isList(c.Value) {
			return nil, apperror.NewValidation(fmt.Sprintf("operator %s expects a list", c.Op)).WithDetail("operator", string(c.Op))
		}
		if c.Op == InList {
			return squirrel.Eq{col: c.Value}, nil
		}
		return squirrel.NotEq{col: c.Value}, nil
	case Like:
		return squirrel.Like{col: c.Value}, nil
	case ILike:
		return squirrel.ILike{col: c.Value}, nil
	case Contains:
		return squirrel.Expr(col+" ILIKE ? ESCAPE '\\'", containsPattern(c.Value)), nil
	case NotContains:
		return squirrel.Expr(col+" NOT ILIKE ? ESCAPE '\\'", containsPattern(c.Value)), nil
	case IsNull, IsNotNull:
		want, ok := c.Value.(bool)
		if !ok {
			return nil, apperror.NewValidation(fmt.Sprintf("operator %s expects a boolean", c.Op)).WithDetail("operator", string(c.Op))
		}
		if want == (c.Op == IsNull) {
			return squirrel.Eq{col: nil}, nil
		}
		return squirrel.NotEq{col: nil}, nil
	}
	return nil, apperror.NewValidation(fmt.Sprintf("unsupported operator %q", c.Op))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern wraps v in % wildcards, escaping LIKE metacharacters so
// the value matches literally.
func containsPattern(v any) string {
	return "%" + likeEscaper.Replace(fmt.Sprint(v)) + "%"
}

// ApplyAll renders every condition and AND-joins them.
func ApplyAll(col string, conds []Condition) (squirrel.Sqlizer, error) {
	preds := make([]squirrel.Sqlizer, 0, len(conds))
	for _, c := range conds {
		p, err := Apply(col, c)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return JoinAnd(preds), nil
}

// JoinAnd combines predicates with AND. It returns nil for an empty list and
// the predicate itself for a single one.
func JoinAnd(preds []squirrel.Sqlizer) squirrel.Sqlizer {
	switch len(preds) {
	case 0:
		return nil
	case 1:
		return preds[0]
	}
	return squirrel.And(preds)
}

// JoinOr combines predicates with OR, with the same shortcuts as JoinAnd.
func JoinOr(preds []squirrel.Sqlizer) squirrel.Sqlizer {
	switch len(preds) {
	case 0:
		return nil
	case 1:
		return preds[0]
	}
	return squirrel.Or(preds)
}

type negation struct {
	pred squirrel.Sqlizer
}

func (n negation) ToSql() (string, []any, error) {
	sql, args, err := n.pred.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

// Negate wraps a predicate in NOT (...).
func Negate(pred squirrel.Sqlizer) squirrel.Sqlizer {
	return negation{pred: pred}
}

// isList reports slices and arrays, except byte sequences such as []byte or
// uuid.UUID which bind as a single value.
func isList(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t.Kind() != reflect.Slice && t.Kind() != reflect.Array {
		return false
	}
	return t.Elem().Kind() != reflect.Uint8
}
