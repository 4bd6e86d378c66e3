package schema

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowloader/internal/core/apperror"
)

type BaseRecord struct {
	ID        uuid.UUID `db:"id"`
	CreatedAt time.Time `db:"created_at"`
}

type account struct {
	BaseRecord
	Name     string          `db:"name" json:"name"`
	Email    *string         `db:"email"`
	Balance  decimal.Decimal `db:"balance"`
	Age      sql.NullInt64   `db:"age"`
	Active   bool            `db:"active"`
	Meta     json.RawMessage `db:"meta"`
	Internal string          `db:"-"`
	Scratch  int
}

func TestShapeOf(t *testing.T) {
	s, err := ShapeOf[account]("accounts")
	require.NoError(t, err)

	assert.Equal(t, Shape{Name: "accounts", Fields: []FieldDef{
		{Name: "id", Type: TypeUUID},
		{Name: "created_at", Type: TypeDate},
		{Name: "name", Type: TypeString},
		{Name: "email", Type: TypeString, Nullable: true},
		{Name: "balance", Type: TypeNumber},
		{Name: "age", Type: TypeInteger, Nullable: true},
		{Name: "active", Type: TypeBoolean},
		{Name: "meta", Type: TypeJSON, Nullable: true},
	}}, s)

	ptr, err := ShapeOf[*account]("accounts")
	require.NoError(t, err)
	assert.Equal(t, s, ptr)
}

func TestShapeOf_Errors(t *testing.T) {
	_, err := ShapeOf[int]("n")
	assert.True(t, apperror.IsConfiguration(err))

	type untagged struct{ Name string }
	_, err = ShapeOf[untagged]("u")
	assert.True(t, apperror.IsConfiguration(err))

	type duplicate struct {
		A string `db:"x"`
		B string `db:"x"`
	}
	_, err = ShapeOf[duplicate]("d")
	assert.True(t, apperror.IsConfiguration(err))

	assert.Panics(t, func() { MustShapeOf[untagged]("u") })
}

func TestRowOf(t *testing.T) {
	id := uuid.MustParse("6f1c2d6e-8a53-4d6b-9b9e-0c8d1c7f4a10")
	created := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	email := "a@example.com"

	a := account{
		BaseRecord: BaseRecord{ID: id, CreatedAt: created},
		Name:       "alice",
		Email:      &email,
		Balance:    decimal.NewFromInt(10),
		Age:        sql.NullInt64{Int64: 30, Valid: true},
		Active:     true,
		Internal:   "hidden",
	}

	row := RowOf(&a)
	assert.Equal(t, Row{
		"id":         id,
		"created_at": created,
		"name":       "alice",
		"email":      "a@example.com",
		"balance":    decimal.NewFromInt(10),
		"age":        int64(30),
		"active":     true,
		"meta":       json.RawMessage(nil),
	}, row)

	a.Email = nil
	a.Age = sql.NullInt64{}
	row = RowOf(a)
	assert.Nil(t, row["email"])
	assert.Nil(t, row["age"])

	assert.Nil(t, RowOf(42))
	assert.Nil(t, RowOf((*account)(nil)))
}
