package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromFallsBackToSingleton(t *testing.T) {
	require.Same(t, L(), From(context.Background()))
	require.Same(t, L(), From(nil))
}

func TestFromReturnsInjectedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	scoped := zap.New(core)

	ctx := ToContext(context.Background(), scoped)
	require.Same(t, scoped, From(ctx))

	FromWithFields(ctx, RackID(7)).Info("push aplicado")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(7), entries[0].ContextMap()["rack_id"])
}
