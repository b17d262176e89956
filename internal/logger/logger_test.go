package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestContextHelpers checks that fields attached with WithKV reach the logger stored in the context.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())
	ctx = WithName(ctx, "builder")
	ctx = WithKV(ctx, "build_id", "b-1")

	InfoKV(ctx, "Stage finished", "stage", "staged")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "builder", entries[0].LoggerName)
	require.Equal(t, "b-1", entries[0].ContextMap()["build_id"])
	require.Equal(t, "staged", entries[0].ContextMap()["stage"])
}

// TestFromContext_FallsBackToGlobal ensures a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}

// TestWithLevel checks that the option overrides the level of the wrapped core in both directions.
func TestWithLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())

	quiet := ContextWithLevel(ctx, zapcore.WarnLevel)
	InfoKV(quiet, "dropped")
	WarnKV(WithKV(quiet, "path", "agent.pkg"), "kept")

	verbose := ContextWithLevel(ctx, zapcore.DebugLevel)
	DebugKV(verbose, "debug kept")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, "kept", entries[0].Message)
	require.Equal(t, "agent.pkg", entries[0].ContextMap()["path"])
	require.Equal(t, "debug kept", entries[1].Message)
}
