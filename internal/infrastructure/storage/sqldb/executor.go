// Package sqldb runs loader statements through database/sql, for engines
// other than PostgreSQL (SQLite, MySQL) and for tests.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rowloader/internal/domain/loader"
	"rowloader/internal/domain/schema"
)

var tracer = otel.Tracer("rowloader/sqldb")

var (
	_ loader.Executor            = (*Executor)(nil)
	_ loader.PlaceholderProvider = (*Executor)(nil)
)

// Querier is implemented by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type txKey struct{}

// WithTx makes executors run their statements on tx for calls using ctx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Option configures an Executor.
type Option func(*Executor)

// WithBytesAsString converts []byte column values to strings. Drivers such
// as MySQL's return text columns as bytes.
func WithBytesAsString() Option {
	return func(e *Executor) { e.bytesAsString = true }
}

// WithSystem sets the db.system span attribute (default "sql").
func WithSystem(name string) Option {
	return func(e *Executor) { e.system = name }
}

// Executor is a loader.Executor over database/sql.
type Executor struct {
	db            Querier
	placeholder   squirrel.PlaceholderFormat
	bytesAsString bool
	system        string
}

// New creates an executor. A nil placeholder means "?".
func New(db Querier, placeholder squirrel.PlaceholderFormat, opts ...Option) *Executor {
	if placeholder == nil {
		placeholder = squirrel.Question
	}
	e := &Executor{db: db, placeholder: placeholder, system: "sql"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Placeholder implements loader.PlaceholderProvider.
func (e *Executor) Placeholder() squirrel.PlaceholderFormat { return e.placeholder }

// Query implements loader.Executor.
func (e *Executor) Query(ctx context.Context, query string, args ...any) ([]schema.Row, error) {
	ctx, span := tracer.Start(ctx, "sqldb.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", e.system),
			attribute.String("db.statement", query),
		))
	defer span.End()

	q := e.db
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		q = tx
	}

	var maps []map[string]any
	if err := sqlscan.Select(ctx, q, &maps, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("select: %w", err)
	}

	rows := make([]schema.Row, len(maps))
	for i, m := range maps {
		if e.bytesAsString {
			for k, v := range m {
				if b, ok := v.([]byte); ok {
					m[k] = string(b)
				}
			}
		}
		rows[i] = schema.Row(m)
	}
	span.SetAttributes(attribute.Int("db.rows", len(rows)))
	return rows, nil
}
