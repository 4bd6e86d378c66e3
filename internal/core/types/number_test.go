package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"int", 5, int64(5)},
		{"json integer", json.Number("42"), int64(42)},
		{"json fraction", json.Number("1.25"), MustDecimal("1.25")},
		{"string", "-7", int64(-7)},
		{"huge uint", uint64(math.MaxUint64), MustDecimal("18446744073709551615")},
		{"float", 2.5, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeNumber(tt.input)
			require.NoError(t, err)
			if d, ok := tt.want.(Decimal); ok {
				require.IsType(t, Decimal{}, got)
				assert.True(t, d.Equal(got.(Decimal)))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeNumber("abc")
	assert.Error(t, err)
	_, err = NormalizeNumber(true)
	assert.Error(t, err)
	_, err = NormalizeNumber(math.NaN())
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseTime("2024-03-01T10:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
	_, err = ParseTime(12)
	assert.Error(t, err)
}
