package filter

import (
	"errors"
	"testing"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

func eqOn(col string) Definition {
	return Definition{Interpret: func(v any, _ Fields, _ any) (squirrel.Sqlizer, error) {
		return squirrel.Eq{col: v}, nil
	}}
}

func userFilters() *Declaration {
	return New().
		MustAdd("name", eqOn("name")).
		MustAdd("age", eqOn("age"))
}

func render(t *testing.T, preds []squirrel.Sqlizer) (string, []any) {
	t.Helper()
	if len(preds) == 0 {
		return "", nil
	}
	sql, args, err := JoinAnd(preds).ToSql()
	require.NoError(t, err)
	return sql, args
}

func interpret(t *testing.T, d *Declaration, input map[string]any) (string, []any) {
	t.Helper()
	tree, err := Parse(input)
	require.NoError(t, err)
	preds, err := d.Interpret(tree, nil)
	require.NoError(t, err)
	return render(t, preds)
}

func TestInterpret_EmptyCombinatorsAreNoOps(t *testing.T) {
	d := userFilters().EnableOR()
	wantSQL, wantArgs := interpret(t, d, map[string]any{"name": "bob"})

	tests := []struct {
		name  string
		input map[string]any
	}{
		{"empty AND", map[string]any{"name": "bob", "AND": []any{}}},
		{"empty OR", map[string]any{"name": "bob", "OR": []any{}}},
		{"both empty", map[string]any{"name": "bob", "AND": []any{}, "OR": []any{}}},
		{"nested empty", map[string]any{"name": "bob", "AND": []any{map[string]any{"OR": []any{}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := interpret(t, d, tt.input)
			assert.Equal(t, wantSQL, sql)
			assert.Equal(t, wantArgs, args)
		})
	}
	assert.Equal(t, "name = ?", wantSQL)
}

func TestInterpret_EmptyOrWithOrDisabled(t *testing.T) {
	d := userFilters()
	wantSQL, wantArgs := interpret(t, d, map[string]any{"name": "bob"})

	for _, input := range []map[string]any{
		{"name": "bob", "OR": []any{}},
		{"name": "bob", "AND": []any{map[string]any{"OR": []any{}}}},
		{"name": "bob", "NOT": map[string]any{"OR": []any{}}},
	} {
		sql, args := interpret(t, d, input)
		assert.Equal(t, wantSQL, sql)
		assert.Equal(t, wantArgs, args)
	}

	tree, err := Parse(map[string]any{"name": "bob", "OR": []any{map[string]any{"age": 1}}})
	require.NoError(t, err)
	_, err = d.Interpret(tree, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OR filters are not enabled")
}

func TestInterpret_Combinators(t *testing.T) {
	d := userFilters().EnableOR()

	tests := []struct {
		name     string
		input    map[string]any
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "fields sorted by key",
			input:    map[string]any{"name": "bob", "age": 30},
			wantSQL:  "(age = ? AND name = ?)",
			wantArgs: []any{30, "bob"},
		},
		{
			name: "AND flattens",
			input: map[string]any{"AND": []any{
				map[string]any{"name": "bob"},
				map[string]any{"age": 30},
			}},
			wantSQL:  "(name = ? AND age = ?)",
			wantArgs: []any{"bob", 30},
		},
		{
			name: "OR joins branches",
			input: map[string]any{"OR": []any{
				map[string]any{"name": "bob"},
				map[string]any{"name": "alice", "age": 20},
			}},
			wantSQL:  "(name = ? OR (age = ? AND name = ?))",
			wantArgs: []any{"bob", 20, "alice"},
		},
		{
			name:     "NOT negates the group",
			input:    map[string]any{"NOT": map[string]any{"name": "bob", "age": 30}},
			wantSQL:  "NOT ((age = ? AND name = ?))",
			wantArgs: []any{30, "bob"},
		},
		{
			name:  "empty NOT contributes nothing",
			input: map[string]any{"NOT": map[string]any{}},
		},
		{
			name: "OR with a vacuous branch matches everything",
			input: map[string]any{"OR": []any{
				map[string]any{"name": "bob"},
				map[string]any{},
			}},
		},
		{
			name:  "nil values are skipped",
			input: map[string]any{"name": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := interpret(t, d, tt.input)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestInterpret_ORDisabledFailsBeforeInterpreting(t *testing.T) {
	calls := 0
	d := New().MustAdd("name", Definition{Interpret: func(v any, _ Fields, _ any) (squirrel.Sqlizer, error) {
		calls++
		return squirrel.Eq{"name": v}, nil
	}})

	tree, err := Parse(map[string]any{
		"name": "x",
		"OR":   []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
	})
	require.NoError(t, err)

	preds, err := d.Interpret(tree, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
	assert.Nil(t, preds)
	assert.Zero(t, calls)
}

func TestInterpret_UnknownKeyAndShape(t *testing.T) {
	positive := schema.ValueCheckerFunc(func(v any) (any, error) {
		n, ok := v.(int)
		if !ok || n < 0 {
			return nil, errors.New("expected a positive integer")
		}
		return n, nil
	})
	d := New().MustAdd("age", Definition{Shape: positive, Interpret: eqOn("age").Interpret})

	_, err := d.Interpret(Fields{"height": 3}, nil)
	assert.True(t, apperror.IsValidation(err))

	_, err = d.Interpret(Fields{"age": -1}, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
	assert.Contains(t, err.Error(), "expected a positive integer")

	preds, err := d.Interpret(Fields{"age": 3}, nil)
	require.NoError(t, err)
	assert.Len(t, preds, 1)
}

func TestInterpret_InterpreterSeesSiblingsAndContext(t *testing.T) {
	d := New().MustAdd("name", Definition{Interpret: func(v any, all Fields, reqCtx any) (squirrel.Sqlizer, error) {
		if all["exact"] == true {
			return squirrel.Eq{"name": v}, nil
		}
		return squirrel.ILike{"name": v}, nil
	}}).MustAdd("exact", Definition{Interpret: func(any, Fields, any) (squirrel.Sqlizer, error) {
		return nil, nil
	}})

	preds, err := d.Interpret(Fields{"name": "bob", "exact": true}, nil)
	require.NoError(t, err)
	sql, _ := render(t, preds)
	assert.Equal(t, "name = ?", sql)
}

func TestPrePostProcessing(t *testing.T) {
	d := userFilters().
		PreProcess(func(tree Node, reqCtx any) (Node, error) {
			if tree == nil {
				return nil, nil
			}
			return And{tree, Fields{"age": 18}}, nil
		}).
		PostProcess(func(tree Node, preds []squirrel.Sqlizer, reqCtx any) ([]squirrel.Sqlizer, error) {
			return []squirrel.Sqlizer{squirrel.Eq{"tenant_id": reqCtx}}, nil
		})

	preds, err := d.Interpret(Fields{"name": "bob"}, 7)
	require.NoError(t, err)
	sql, args := render(t, preds)
	assert.Equal(t, "(name = ? AND age = ? AND tenant_id = ?)", sql)
	assert.Equal(t, []any{"bob", 18, 7}, args)

	// authorization predicates still apply without a tree
	preds, err = d.Interpret(nil, 7)
	require.NoError(t, err)
	sql, _ = render(t, preds)
	assert.Equal(t, "tenant_id = ?", sql)
}

func TestMerge_DisjointKeysAndHookOrder(t *testing.T) {
	var order []string
	hook := func(name string) PostProcessor {
		return func(Node, []squirrel.Sqlizer, any) ([]squirrel.Sqlizer, error) {
			order = append(order, name)
			return []squirrel.Sqlizer{squirrel.Expr(name + " = 1")}, nil
		}
	}

	a := New().MustAdd("name", eqOn("name")).PostProcess(hook("a"))
	b := New().MustAdd("age", eqOn("age")).PostProcess(hook("b")).EnableOR()
	merged := Merge(a, b)

	assert.Equal(t, []string{"age", "name"}, merged.Keys())
	assert.True(t, merged.OREnabled())
	assert.False(t, a.OREnabled())

	preds, err := merged.Interpret(Fields{"name": "bob", "age": 3}, nil)
	require.NoError(t, err)
	sql, args := render(t, preds)
	assert.Equal(t, "(age = ? AND name = ? AND a = 1 AND b = 1)", sql)
	assert.Equal(t, []any{3, "bob"}, args)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRenameAndSelect(t *testing.T) {
	d := New().
		MustAdd("users.name", eqOn("name")).
		MustAdd("users.email", eqOn("email")).
		MustAdd("posts.title", eqOn("title"))

	assert.Equal(t, []string{"posts.title", "users.email", "users.name"}, d.Keys())
	assert.Equal(t, []string{"users.email", "users.name"}, d.Select([]string{"users.*"}, nil).Keys())
	assert.Equal(t, []string{"posts.title", "users.name"}, d.Select(nil, []string{"users.email"}).Keys())
	assert.Equal(t, []string{"author_users.email", "author_users.name"},
		d.Select([]string{"users.*"}, nil).Rename("author_").Keys())
	assert.Len(t, d.Keys(), 3)
}

func TestAdd_Rejects(t *testing.T) {
	assert.True(t, apperror.IsConfiguration(New().Add("", eqOn("x"))))
	assert.True(t, apperror.IsConfiguration(New().Add("OR", eqOn("x"))))
	assert.True(t, apperror.IsConfiguration(New().Add("x", Definition{})))
}
