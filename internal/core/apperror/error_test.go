package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ChainAndCodes(t *testing.T) {
	driverErr := errors.New("connection reset")
	err := fmt.Errorf("load users: %w", NewExecution("SELECT 1", driverErr))

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, CodeExecution, appErr.Code)
	assert.Equal(t, "SELECT 1", appErr.Details["sql"])
	assert.ErrorIs(t, err, driverErr)
	assert.Contains(t, err.Error(), "caused by: connection reset")
}

func TestHasCode(t *testing.T) {
	assert.True(t, IsConfiguration(NewConfiguration("bad view")))
	assert.True(t, IsValidation(NewValidation("bad take").WithDetail("take", -1)))
	assert.True(t, IsInvalidCursor(NewInvalidCursor(errors.New("eof"))))
	assert.False(t, IsValidation(errors.New("plain")))
	assert.False(t, IsValidation(NewConfiguration("x")))
}

func TestWithDetail(t *testing.T) {
	err := NewValidation("unknown sort key").WithDetail("key", "age")
	assert.Equal(t, map[string]any{"key": "age"}, err.Details)
	assert.Equal(t, "VALIDATION_ERROR: unknown sort key", err.Error())
}
