package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "rowloader/internal/core/context"
)

func TestLogger_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core))

	ctx := appctx.WithTrace(context.Background(), &appctx.TraceContext{TraceID: "t1", RequestID: "r1"})
	log.WithLoader("users").WithContext(ctx).Infow("loaded", "rows", 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "loader", fields["component"])
	assert.Equal(t, "users", fields["loader"])
	assert.Equal(t, "t1", fields["trace_id"])
	assert.Equal(t, "r1", fields["request_id"])
	assert.Equal(t, int64(3), fields["rows"])
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), FromZap(zap.New(core)).WithComponent("cache"))

	Debug(ctx, "dropped")
	Warn(ctx, "kept", "key", "v")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "cache", entries[0].ContextMap()["component"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := New(Config{Level: "loud", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.False(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
}
