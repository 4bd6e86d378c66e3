package security

import (
	"context"
	"testing"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowloader/internal/core/apperror"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want *AccessScope
	}{
		{"admin", " admin ", &AccessScope{IsAdmin: true}},
		{"empty", "", &AccessScope{Allowed: map[string][]string{}}},
		{"keys", "team=1, 2;org=acme", &AccessScope{Allowed: map[string][]string{
			"team": {"1", "2"},
			"org":  {"acme"},
		}}},
		{"repeated key", "team=1;team=3", &AccessScope{Allowed: map[string][]string{"team": {"1", "3"}}}},
		{"no values", "team=", &AccessScope{Allowed: map[string][]string{"team": {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScope(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseScope("team")
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestAccessScope_Filter(t *testing.T) {
	s := &AccessScope{Allowed: map[string][]string{"team": {"1", "2"}}}

	assert.True(t, s.CanAccess("team", "2"))
	assert.False(t, s.CanAccess("team", "3"))
	assert.False(t, s.CanAccess("org", "1"))
	assert.Equal(t, []string{"1", "2"}, s.Filter("team", nil))
	assert.Equal(t, []string{"2"}, s.Filter("team", []string{"2", "3"}))

	admin := &AccessScope{IsAdmin: true}
	assert.True(t, admin.CanAccess("team", "3"))
	assert.Equal(t, []string{"3"}, admin.Filter("team", []string{"3"}))
}

func TestAccessScope_Constraints(t *testing.T) {
	columns := map[string]string{"team": "p.team_id", "org": "p.org"}

	s := &AccessScope{Allowed: map[string][]string{"team": {"1", "2"}}}
	preds := s.Constraints(columns)
	require.Len(t, preds, 2)

	sql, args, err := squirrel.And(preds).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "((1=0) AND p.team_id IN (?,?))", sql)
	assert.Equal(t, []any{"1", "2"}, args)

	assert.Nil(t, (&AccessScope{IsAdmin: true}).Constraints(columns))
	assert.Nil(t, s.Constraints(nil))
	assert.Nil(t, (*AccessScope)(nil).Constraints(columns))
}

func TestScopeContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetScope(ctx))

	s := &AccessScope{UserID: "u1"}
	assert.Same(t, s, GetScope(WithScope(ctx, s)))
}
