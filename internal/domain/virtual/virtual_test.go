package virtual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowloader/internal/core/apperror"
	"rowloader/internal/domain/schema"
)

func people() []schema.Row {
	return []schema.Row{
		{"id": int64(1), "first": "Ada", "last": "Lovelace", "score": int64(10)},
		{"id": int64(2), "first": "Alan", "last": "Turing", "score": int64(20)},
		{"id": int64(3), "first": "Grace", "last": "Hopper", "score": int64(30)},
	}
}

func TestResolve_InlineAndExpr(t *testing.T) {
	set := Set{
		"initials": Func([]string{"first", "last"}, func(row schema.Row, _ any) (any, error) {
			return fmt.Sprintf("%c%c", row["first"].(string)[0], row["last"].(string)[0]), nil
		}),
		"full_name": MustExpr([]string{"first", "last"}, `row.first + " " + row.last`),
		"bonus":     MustExpr([]string{"score"}, `row.score * ctx`),
	}

	rows := people()
	err := set.Resolve(context.Background(), rows, []string{"initials", "full_name", "bonus"}, int64(2), 0)
	require.NoError(t, err)

	assert.Equal(t, "AL", rows[0]["initials"])
	assert.Equal(t, "Alan Turing", rows[1]["full_name"])
	assert.Equal(t, int64(60), rows[2]["bonus"])
}

func TestResolve_OnlyRequestedFields(t *testing.T) {
	calls := 0
	set := Set{
		"a": Func(nil, func(schema.Row, any) (any, error) { calls++; return 1, nil }),
		"b": Func(nil, func(schema.Row, any) (any, error) { return 2, nil }),
	}
	rows := people()
	require.NoError(t, set.Resolve(context.Background(), rows, []string{"b"}, nil, 0))
	assert.Zero(t, calls)
	assert.NotContains(t, rows[0], "a")
	assert.Equal(t, 2, rows[0]["b"])
}

func TestResolve_ResolversSeeBaseRow(t *testing.T) {
	set := Set{
		// shadows the real column
		"score": Func([]string{"score"}, func(row schema.Row, _ any) (any, error) {
			return row["score"].(int64) * 100, nil
		}),
		"score_copy": Async([]string{"score"}, func(_ context.Context, row schema.Row, _ any) (any, error) {
			return row["score"], nil
		}),
	}
	rows := people()
	require.NoError(t, set.Resolve(context.Background(), rows, []string{"score", "score_copy"}, nil, 0))
	assert.Equal(t, int64(1000), rows[0]["score"])
	assert.Equal(t, int64(10), rows[0]["score_copy"])
}

func TestResolve_AsyncRespectsLimit(t *testing.T) {
	var (
		inFlight, peak atomic.Int32
		mu             sync.Mutex
		seen           []int64
	)
	set := Set{
		"slow": Async([]string{"id"}, func(ctx context.Context, row schema.Row, _ any) (any, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			mu.Lock()
			seen = append(seen, row["id"].(int64))
			mu.Unlock()
			return row["id"].(int64) * 2, nil
		}),
	}

	rows := people()
	require.NoError(t, set.Resolve(context.Background(), rows, []string{"slow"}, nil, 1))
	assert.Equal(t, int32(1), peak.Load())
	assert.ElementsMatch(t, []int64{1, 2, 3}, seen)
	for i, row := range rows {
		assert.Equal(t, int64(i+1)*2, row["slow"])
	}
}

func TestResolve_ErrorAborts(t *testing.T) {
	boom := errors.New("lookup failed")

	tests := []struct {
		name  string
		field Field
	}{
		{"inline", Func(nil, func(schema.Row, any) (any, error) { return nil, boom })},
		{"async", Async(nil, func(context.Context, schema.Row, any) (any, error) { return nil, boom })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := people()
			err := Set{"broken": tt.field}.Resolve(context.Background(), rows, []string{"broken"}, nil, 0)
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, apperror.CodeVirtualField))
			assert.ErrorIs(t, err, boom)
			assert.NotContains(t, rows[0], "broken")
		})
	}
}

func TestExpr_CompileError(t *testing.T) {
	_, err := Expr(nil, `row.first +`)
	assert.True(t, apperror.IsConfiguration(err))
}

func TestExpr_EvalError(t *testing.T) {
	set := Set{"x": MustExpr([]string{"missing"}, `row.missing + 1`)}
	err := set.Resolve(context.Background(), people(), []string{"x"}, nil, 0)
	assert.True(t, apperror.HasCode(err, apperror.CodeVirtualField))
}

func TestSet_Validate(t *testing.T) {
	fields := schema.NewFieldSet("id", "first", "last")

	assert.NoError(t, Set{"name": MustExpr([]string{"first", "last"}, `row.first`)}.Validate(fields))
	assert.True(t, apperror.IsConfiguration(Set{"x": Func([]string{"nope"}, nil)}.Validate(fields)))
	assert.True(t, apperror.IsConfiguration(Set{"x": {}}.Validate(fields)))
}

func TestSet_Dependencies(t *testing.T) {
	set := Set{
		"a": Func([]string{"x", "y"}, nil),
		"b": Func([]string{"y", "z"}, nil),
	}
	assert.Equal(t, []string{"x", "y", "z"}, set.Dependencies([]string{"a", "b"}))
	assert.Empty(t, set.Dependencies([]string{"unknown"}))
}
