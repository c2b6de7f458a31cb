package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestFromContext_FallsBackToGlobal verifies that an empty context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}

// TestWithKV_AddsFields checks that fields attached to a context end up in log entries.
func TestWithKV_AddsFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())

	ctx = WithName(ctx, "session")
	ctx = WithKV(ctx, "resource_id", "cam1")
	ctx = WithFields(ctx, "attempt", 2)

	InfoKV(ctx, "Device opened", "intensity", 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "session", entries[0].LoggerName)
	require.Equal(t, "Device opened", entries[0].Message)

	fields := entries[0].ContextMap()
	require.Equal(t, "cam1", fields["resource_id"])
	require.EqualValues(t, 2, fields["attempt"])
	require.EqualValues(t, 3, fields["intensity"])
}

// TestWithLevelOverride_FiltersBelowLevel checks that the override hides lower levels.
func TestWithLevelOverride_FiltersBelowLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())
	ctx = WithLevelOverride(ctx, zap.WarnLevel)

	InfoKV(ctx, "Event written", "id", 1)
	WarnKV(ctx, "Event dropped", "id", 2)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "Event dropped", entries[0].Message)
}

// TestWithLevelOverride_SurvivesWithFields keeps the override on loggers derived with fields.
func TestWithLevelOverride_SurvivesWithFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())
	ctx = WithFields(WithLevelOverride(ctx, zap.WarnLevel), "writer", "journal")

	DebugKV(ctx, "Queue drained")
	WarnKV(ctx, "Queue is full")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "journal", entries[0].ContextMap()["writer"])
}
