package loader

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"rowloader/internal/core/apperror"
	appctx "rowloader/internal/core/context"
	"rowloader/internal/core/types"
	"rowloader/internal/domain/schema"
)

// Edge is a node with its cursor.
type Edge struct {
	Node   schema.Row `json:"node"`
	Cursor string     `json:"cursor,omitempty"`
}

// PageInfo describes the position of a page.
type PageInfo struct {
	HasNextPage     bool    `json:"hasNextPage"`
	HasPreviousPage bool    `json:"hasPreviousPage"`
	StartCursor     *string `json:"startCursor,omitempty"`
	EndCursor       *string `json:"endCursor,omitempty"`
	// MinimumCount is a lower bound of the total row count.
	MinimumCount int64 `json:"minimumCount"`
	// Count is the exact total; nil unless requested and successful.
	Count *int64 `json:"count"`
}

// Page is the pagination envelope.
type Page struct {
	Nodes    []schema.Row `json:"nodes"`
	Edges    []Edge       `json:"edges"`
	PageInfo PageInfo     `json:"pageInfo"`
	// Cursors[k] opens page k+2 counted from this one; nil when that page is empty.
	Cursors []*string `json:"cursors,omitempty"`
}

// record is a fetched row with its sort-key values split off.
type record struct {
	row  schema.Row
	keys []any
}

// Load returns the rows matching args in forward order.
func (l *Loader) Load(ctx context.Context, args LoadArgs) ([]schema.Row, error) {
	ctx = appctx.EnsureTrace(ctx)
	ctx, span := tracer.Start(ctx, "loader.load",
		trace.WithAttributes(attribute.String("loader", l.name)))
	defer span.End()

	p, err := l.prepare(args, false)
	if err != nil {
		return nil, fail(span, err)
	}
	st, err := render(l.mainQuery(p, false))
	if err != nil {
		return nil, fail(span, apperror.NewInternal(err))
	}

	call := &Call{Loader: l.name, Op: OpLoad, Statement: st, Args: args}
	if err := l.hooks.Run(ctx, BeforeExecute, call); err != nil {
		return nil, fail(span, err)
	}
	if call.result != nil {
		span.SetAttributes(attribute.Bool("loader.short_circuit", true))
		return call.result.Nodes, nil
	}

	start := time.Now()
	rows, err := l.query(ctx, st)
	if err != nil {
		l.log.WithContext(ctx).Errorw("load failed", "error", err)
		return nil, fail(span, err)
	}
	recs, err := l.records(p, rows)
	if err != nil {
		return nil, fail(span, err)
	}
	if p.reverse {
		reverse(recs)
	}
	nodes, err := l.finish(ctx, p, recs, args.Context)
	if err != nil {
		return nil, fail(span, err)
	}

	call.Duration = time.Since(start)
	call.result = &Page{Nodes: nodes}
	if err := l.hooks.Run(ctx, AfterExecute, call); err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("loader.rows", len(call.result.Nodes)))
	return call.result.Nodes, nil
}

// LoadPagination returns one page of rows with page info. The COUNT(*)
// statement, when requested, runs concurrently with the page statement; its
// failure only degrades PageInfo.Count to nil.
func (l *Loader) LoadPagination(ctx context.Context, args LoadArgs) (*Page, error) {
	ctx = appctx.EnsureTrace(ctx)
	ctx, span := tracer.Start(ctx, "loader.paginate",
		trace.WithAttributes(attribute.String("loader", l.name)))
	defer span.End()

	p, err := l.prepare(args, true)
	if err != nil {
		return nil, fail(span, err)
	}
	st, err := render(l.mainQuery(p, true))
	if err != nil {
		return nil, fail(span, apperror.NewInternal(err))
	}

	call := &Call{Loader: l.name, Op: OpPaginate, Statement: st, Args: args}
	if args.TakeCount {
		countSt, err := render(l.countQuery(p))
		if err != nil {
			return nil, fail(span, apperror.NewInternal(err))
		}
		call.Count = &countSt
	}

	if err := l.hooks.Run(ctx, BeforeExecute, call); err != nil {
		return nil, fail(span, err)
	}
	if call.result != nil {
		span.SetAttributes(attribute.Bool("loader.short_circuit", true))
		return call.result, nil
	}

	start := time.Now()
	var (
		rows  []schema.Row
		count *int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := l.query(gctx, st)
		rows = r
		return err
	})
	if call.Count != nil {
		countSt := *call.Count
		g.Go(func() error {
			n, err := l.count(gctx, countSt)
			if err != nil {
				if gctx.Err() == nil {
					l.log.WithContext(ctx).Warnw("count query failed, count degraded to null", "error", err)
				}
				return nil
			}
			count = &n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.log.WithContext(ctx).Errorw("pagination failed", "error", err)
		return nil, fail(span, err)
	}

	recs, err := l.records(p, rows)
	if err != nil {
		return nil, fail(span, err)
	}
	page, err := l.page(ctx, p, recs, args)
	if err != nil {
		return nil, fail(span, err)
	}
	page.PageInfo.Count = count

	call.Duration = time.Since(start)
	call.result = page
	if err := l.hooks.Run(ctx, AfterExecute, call); err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("loader.rows", len(call.result.Nodes)))
	return call.result, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (l *Loader) query(ctx context.Context, st Statement) ([]schema.Row, error) {
	l.log.WithContext(ctx).Debugw("executing statement", "sql", st.SQL, "args", len(st.Args))
	rows, err := l.executor.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, apperror.NewExecution(st.SQL, err)
	}
	return rows, nil
}

func (l *Loader) count(ctx context.Context, st Statement) (int64, error) {
	rows, err := l.query(ctx, st)
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 {
		return 0, fmt.Errorf("count query returned %d rows", len(rows))
	}
	v, err := types.NormalizeNumber(rows[0]["count"])
	if err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case types.Decimal:
		return n.IntPart(), nil
	}
	return 0, fmt.Errorf("count query returned %T", v)
}

// records splits the sort-key columns off the fetched rows and applies the
// result checker.
func (l *Loader) records(p *plan, rows []schema.Row) ([]record, error) {
	out := make([]record, len(rows))
	for i, row := range rows {
		var keys []any
		if n := len(p.order); n > 0 {
			keys = make([]any, n)
			for j := range keys {
				alias := cursorAlias(j)
				keys[j] = row[alias]
				delete(row, alias)
			}
		}
		delete(row, "_row")

		if l.checker != nil {
			checked, err := l.checker.CheckRow(row)
			if err != nil {
				return nil, apperror.NewResultValidation(i, err)
			}
			row = checked
		}
		out[i] = record{row: row, keys: keys}
	}
	return out, nil
}

// finish resolves virtual fields and trims rows to the requested fields.
func (l *Loader) finish(ctx context.Context, p *plan, recs []record, reqCtx any) ([]schema.Row, error) {
	rows := make([]schema.Row, len(recs))
	for i, r := range recs {
		rows[i] = r.row
	}
	if err := l.virtuals.Resolve(ctx, rows, p.virtuals, reqCtx, l.opts.VirtualConcurrency); err != nil {
		return nil, err
	}
	for i, row := range rows {
		rows[i] = row.Pick(p.output)
	}
	return rows, nil
}

func (l *Loader) cursor(keys []any) (string, error) {
	token, err := l.codec.Encode(keys)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("encode cursor: %w", err))
	}
	return token, nil
}

// page slices the lookahead rows off and builds the envelope. recs are in
// statement order.
func (l *Loader) page(ctx context.Context, p *plan, recs []record, args LoadArgs) (*Page, error) {
	size := p.take
	fetched := len(recs)
	hasMore := fetched > size
	withCursors := len(p.order) > 0

	var cursors []*string
	if p.pages > 1 && withCursors {
		cursors = make([]*string, p.pages)
		for k := range cursors {
			end := (k + 1) * size
			if fetched <= end {
				break
			}
			token, err := l.cursor(recs[end-1].keys)
			if err != nil {
				return nil, err
			}
			cursors[k] = &token
		}
	}

	pageRecs := append([]record(nil), recs[:min(fetched, size)]...)
	if p.reverse {
		reverse(pageRecs)
	}

	nodes, err := l.finish(ctx, p, pageRecs, args.Context)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Nodes:   nodes,
		Edges:   make([]Edge, len(nodes)),
		Cursors: cursors,
	}
	for i, node := range nodes {
		page.Edges[i].Node = node
		if args.TakeCursors && withCursors {
			token, err := l.cursor(pageRecs[i].keys)
			if err != nil {
				return nil, err
			}
			page.Edges[i].Cursor = token
		}
	}

	info := &page.PageInfo
	if withCursors && len(pageRecs) > 0 {
		start, err := l.cursor(pageRecs[0].keys)
		if err != nil {
			return nil, err
		}
		end, err := l.cursor(pageRecs[len(pageRecs)-1].keys)
		if err != nil {
			return nil, err
		}
		info.StartCursor, info.EndCursor = &start, &end
	}

	// Anything but the true first page in this direction, approximated.
	anchored := p.anchored || p.skip > 0
	if p.reverse {
		info.HasPreviousPage = hasMore
		info.HasNextPage = anchored
	} else {
		info.HasNextPage = hasMore
		info.HasPreviousPage = anchored
	}
	info.MinimumCount = int64(p.skip + fetched)

	return page, nil
}

func reverse(recs []record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
