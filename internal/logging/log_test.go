package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return FromZap(zap.New(core)), logs
}

func TestStructuredFields(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)
	log.WithRequestID("req-1").WithCustomer("did:mailto:c").Info("handled", "space", "did:key:s")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "handled", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "did:mailto:c", fields["customer"])
	assert.Equal(t, "did:key:s", fields["space"])
}

func TestEmptyAnnotationsAreSkipped(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)
	log.WithRequestID("").WithCustomer("").Info("plain")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestLevelFiltering(t *testing.T) {
	log, logs := observed(zapcore.WarnLevel)
	log.Debug("debug")
	log.Printf("info %d", 1)
	log.Warn("warn")
	log.Errorf("error %s", "x")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "error x", logs.All()[1].Message)
}

func TestContextRoundTrip(t *testing.T) {
	fallback := Nop()
	scoped := Nop().With("k", "v")

	assert.Same(t, fallback, FromContext(context.Background(), fallback))
	ctx := ContextWithLogger(context.Background(), scoped)
	assert.Same(t, scoped, FromContext(ctx, fallback))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}
