package sqldb_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"rowloader/internal/core/apperror"
	"rowloader/internal/core/column"
	"rowloader/internal/domain/filter"
	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/order"
	"rowloader/internal/domain/schema"
	"rowloader/internal/domain/view"
	"rowloader/internal/domain/virtual"
	"rowloader/internal/infrastructure/storage/sqldb"
	"rowloader/pkg/logger"
)

func openItems(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE items (id INTEGER PRIMARY KEY, v TEXT NOT NULL, score INTEGER);
		INSERT INTO items (id, v, score) VALUES
			(1, 'aaa', 10),
			(2, 'aaa', NULL),
			(3, 'bbb', 5),
			(4, 'ccc', NULL),
			(5, 'ccc', 7);
	`)
	require.NoError(t, err)
	return db
}

func itemsLoader(t *testing.T, db *sql.DB) *loader.Loader {
	t.Helper()
	v, err := view.New("FROM items")
	require.NoError(t, err)
	v.AddComparisonFilter([]string{"id", "score"}).
		AddStringFilter([]string{"v"}).
		EnableOR()
	filters, err := v.Filters(view.FilterOptions{})
	require.NoError(t, err)

	l, err := loader.New(loader.Config{
		Name:  "items",
		Query: loader.QuerySpec{From: v.From()},
		Shape: schema.Shape{Name: "items", Fields: []schema.FieldDef{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "v", Type: schema.TypeString},
			{Name: "score", Type: schema.TypeInteger, Nullable: true},
		}},
		Filters: filters,
		Sortable: order.Spec{
			"id":    {Ref: column.Name("id")},
			"v":     {Ref: column.Name("v")},
			"score": {Ref: column.Name("score"), Nullable: true},
		},
		Virtuals: virtual.Set{
			"label": virtual.MustExpr([]string{"v", "id"}, `row.v + "-" + string(row.id)`),
		},
		Executor: sqldb.New(db, nil, sqldb.WithSystem("sqlite")),
		Options:  loader.Options{Logger: logger.Nop()},
	})
	require.NoError(t, err)
	return l
}

func ids(rows []schema.Row) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r["id"].(int64)
	}
	return out
}

func TestLoadPagination_AfterSampleRow(t *testing.T) {
	l := itemsLoader(t, openItems(t))

	page, err := l.LoadPagination(context.Background(), loader.LoadArgs{
		Where:       filter.Fields{"id": map[string]any{"_lte": 3}},
		OrderBy:     []order.Term{{Key: "v"}, {Key: "id"}},
		SearchAfter: map[string]any{"v": "aaa", "id": 1},
		Take:        1,
	})
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, int64(2), page.Nodes[0]["id"])
	assert.Equal(t, "aaa", page.Nodes[0]["v"])
	assert.True(t, page.PageInfo.HasPreviousPage)
	assert.True(t, page.PageInfo.HasNextPage)
}

// walk follows end cursors (or start cursors when take is negative) until
// the last page and returns the ids of every page.
func walk(t *testing.T, l *loader.Loader, orderBy []order.Term, take int) [][]int64 {
	t.Helper()
	var (
		pages [][]int64
		next  string
	)
	for i := 0; i < 10; i++ {
		page, err := l.LoadPagination(context.Background(), loader.LoadArgs{
			Select:  []string{"id"},
			OrderBy: orderBy,
			Cursor:  next,
			Take:    take,
		})
		require.NoError(t, err)
		pages = append(pages, ids(page.Nodes))

		more, anchor := page.PageInfo.HasNextPage, page.PageInfo.EndCursor
		if take < 0 {
			more, anchor = page.PageInfo.HasPreviousPage, page.PageInfo.StartCursor
		}
		if !more {
			return pages
		}
		require.NotNil(t, anchor)
		next = *anchor
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func TestLoadPagination_Walk(t *testing.T) {
	l := itemsLoader(t, openItems(t))

	tests := []struct {
		name    string
		orderBy []order.Term
		take    int
		want    [][]int64
	}{
		{
			name:    "forward by v, id",
			orderBy: []order.Term{{Key: "v"}, {Key: "id"}},
			take:    2,
			want:    [][]int64{{1, 2}, {3, 4}, {5}},
		},
		{
			name:    "backward by v, id",
			orderBy: []order.Term{{Key: "v"}, {Key: "id"}},
			take:    -2,
			want:    [][]int64{{4, 5}, {2, 3}, {1}},
		},
		{
			name:    "nullable ascending puts nulls last",
			orderBy: []order.Term{{Key: "score"}, {Key: "id"}},
			take:    2,
			want:    [][]int64{{3, 5}, {1, 2}, {4}},
		},
		{
			name:    "nullable descending puts nulls first",
			orderBy: []order.Term{{Key: "score", Direction: order.Desc}, {Key: "id"}},
			take:    2,
			want:    [][]int64{{2, 4}, {1, 5}, {3}},
		},
		{
			name:    "nullable descending backward",
			orderBy: []order.Term{{Key: "score", Direction: order.Desc}, {Key: "id"}},
			take:    -2,
			want:    [][]int64{{5, 3}, {4, 1}, {2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, walk(t, l, tt.orderBy, tt.take))
		})
	}
}

func TestLoad_VirtualFieldHidesDependencies(t *testing.T) {
	l := itemsLoader(t, openItems(t))

	rows, err := l.Load(context.Background(), loader.LoadArgs{
		Select:  []string{"label"},
		OrderBy: []order.Term{{Key: "id"}},
		Take:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Row{{"label": "aaa-1"}, {"label": "aaa-2"}}, rows)
}

func TestLoadPagination_CountAndOffset(t *testing.T) {
	l := itemsLoader(t, openItems(t))

	page, err := l.LoadPagination(context.Background(), loader.LoadArgs{
		Where: filter.Or{
			filter.Fields{"v": "ccc"},
			filter.Fields{"score": map[string]any{"_gte": 10}},
		},
		OrderBy:   []order.Term{{Key: "id"}},
		Take:      1,
		Skip:      1,
		TakeCount: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids(page.Nodes))
	require.NotNil(t, page.PageInfo.Count)
	assert.Equal(t, int64(3), *page.PageInfo.Count)
	assert.True(t, page.PageInfo.HasPreviousPage)
	assert.True(t, page.PageInfo.HasNextPage)
	assert.Equal(t, int64(3), page.PageInfo.MinimumCount)
}

func TestLoad_ExecutionError(t *testing.T) {
	db := openItems(t)
	l := itemsLoader(t, db)
	_, err := db.Exec(`DROP TABLE items`)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), loader.LoadArgs{})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeExecution))
}
