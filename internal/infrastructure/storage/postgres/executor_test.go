package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeValue(t *testing.T) {
	id := uuid.MustParse("6f1c2d6e-8a53-4d6b-9b9e-0c8d1c7f4a10")

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"numeric", pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}, decimal.RequireFromString("123.45")},
		{"null numeric", pgtype.Numeric{}, nil},
		{"zero numeric without int", pgtype.Numeric{Valid: true}, decimal.Zero},
		{"uuid bytes", [16]byte(id), id},
		{"int32", int32(7), int64(7)},
		{"int16", int16(7), int64(7)},
		{"float32", float32(1.5), float64(1.5)},
		{"string passes through", "x", "x"},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeValue(tt.in)
			if want, ok := tt.want.(decimal.Decimal); ok {
				require.IsType(t, decimal.Decimal{}, got)
				assert.True(t, want.Equal(got.(decimal.Decimal)), "got %v", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	nan := normalizeValue(pgtype.Numeric{NaN: true, Valid: true})
	assert.IsType(t, float64(0), nan)
}

func TestTxContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetTx(ctx))

	ctx = WithTx(ctx, nil)
	assert.NotNil(t, GetTx(ctx))
}

func TestExecutor_Placeholder(t *testing.T) {
	e := NewExecutorFromQuerier(nil)
	sql, _, err := squirrel.Select("a").From("t").Where(squirrel.Eq{"a": 1}).PlaceholderFormat(e.Placeholder()).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT a FROM t WHERE a = $1", sql)
}

func TestDefaults(t *testing.T) {
	cfg := DefaultPoolConfig("postgres://localhost/app")
	assert.Equal(t, "rowloader", cfg.ApplicationName)
	assert.Equal(t, int32(25), cfg.MaxConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)

	opts := DefaultTxOptions()
	assert.Equal(t, 30*time.Second, opts.StatementTimeout)
	assert.EqualValues(t, "read only", opts.AccessMode)
	assert.EqualValues(t, "repeatable read", opts.IsolationLevel)
}
