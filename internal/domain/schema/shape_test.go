package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowloader/internal/core/apperror"
)

func userShape() Shape {
	return Shape{
		Name: "users",
		Fields: []FieldDef{
			{Name: "id", Type: TypeInteger},
			{Name: "name", Type: TypeString},
			{Name: "email", Type: TypeString, Nullable: true},
		},
	}
}

func TestShape_Validate(t *testing.T) {
	require.NoError(t, userShape().Validate())

	dup := userShape()
	dup.Fields = append(dup.Fields, FieldDef{Name: "id", Type: TypeInteger})
	assert.True(t, apperror.IsConfiguration(dup.Validate()))

	badType := userShape()
	badType.Fields[0].Type = "int128"
	assert.True(t, apperror.IsConfiguration(badType.Validate()))

	assert.Error(t, Shape{Name: "empty"}.Validate())
}

func TestFieldSet(t *testing.T) {
	fs := userShape().FieldSet()
	assert.Equal(t, []string{"id", "name", "email"}, fs.Names())
	assert.Equal(t, []string{"email", "id", "name"}, fs.Sorted())
	assert.True(t, fs.Has("email"))
	assert.False(t, fs.Has("age"))

	assert.False(t, fs.Add("id"))
	assert.True(t, fs.Add("age"))
	assert.Equal(t, 4, fs.Len())

	var empty *FieldSet
	assert.False(t, empty.Has("id"))
	assert.Zero(t, empty.Len())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(userShape()))
	assert.Error(t, r.Register(userShape()))

	s, ok := r.Get("users")
	require.True(t, ok)
	assert.Len(t, s.Fields, 3)
	assert.Len(t, r.List(), 1)
}

func TestRow_Pick(t *testing.T) {
	row := Row{"id": 1, "name": "a", "email": nil}
	assert.Equal(t, Row{"id": 1, "email": nil}, row.Pick([]string{"id", "email", "missing"}))

	clone := row.Clone()
	clone["id"] = 2
	assert.Equal(t, 1, row["id"])
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Issues: []Issue{{Path: "id", Message: "expected integer"}, {Message: "closed struct"}}}
	assert.Equal(t, "validation failed: id: expected integer; closed struct", err.Error())
}
