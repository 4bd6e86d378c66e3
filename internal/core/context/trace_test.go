package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTrace(t *testing.T) {
	ctx := EnsureTrace(context.Background())
	trace := GetTrace(ctx)
	require.NotNil(t, trace)
	assert.NotEmpty(t, trace.TraceID)
	assert.Equal(t, trace.RequestID, GetRequestID(ctx))

	again := EnsureTrace(ctx)
	assert.Same(t, trace, GetTrace(again))
}

func TestGetRequestID_Missing(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}
