package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/schema"
)

var (
	_ loader.Executor            = (*Executor)(nil)
	_ loader.PlaceholderProvider = (*Executor)(nil)
)

// Querier is the part of pgxpool.Pool and pgx.Tx the executor needs.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor runs loader statements on a pool, or on the transaction stored in
// the context by WithTx/TxManager.
type Executor struct {
	db Querier
}

// NewExecutor creates an executor over pool.
func NewExecutor(pool *Pool) *Executor {
	return &Executor{db: pool.Pool}
}

// NewExecutorFromQuerier creates an executor over any pgx querier.
func NewExecutorFromQuerier(q Querier) *Executor {
	return &Executor{db: q}
}

// Placeholder implements loader.PlaceholderProvider.
func (e *Executor) Placeholder() squirrel.PlaceholderFormat { return squirrel.Dollar }

// Query implements loader.Executor.
func (e *Executor) Query(ctx context.Context, sql string, args ...any) ([]schema.Row, error) {
	ctx, span := tracer.Start(ctx, "postgres.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", sql),
		))
	defer span.End()

	var q Querier = e.db
	if tx := GetTx(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		q = tx.Tx
	}

	var maps []map[string]any
	if err := pgxscan.Select(ctx, q, &maps, sql, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("select: %w", err)
	}

	rows := make([]schema.Row, len(maps))
	for i, m := range maps {
		for k, v := range m {
			m[k] = normalizeValue(v)
		}
		rows[i] = schema.Row(m)
	}
	span.SetAttributes(attribute.Int("db.rows", len(rows)))
	return rows, nil
}

// normalizeValue converts pgx's generic decodings into the value types the
// rest of the engine understands.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		if x.NaN || x.InfinityModifier != pgtype.Finite {
			f, err := x.Float64Value()
			if err != nil {
				return nil
			}
			return f.Float64
		}
		if x.Int == nil {
			return decimal.Zero
		}
		return decimal.NewFromBigInt(x.Int, x.Exp)
	case [16]byte:
		return uuid.UUID(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}
