package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = WithRelay(ctx, "wss://relay.example")
	ctx = WithSubscription(ctx, "sub1")

	FromContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "wss://relay.example", fields["relay"])
	assert.Equal(t, "sub1", fields["sub_id"])
}

func TestOrNewKeepsGivenLogger(t *testing.T) {
	l := zap.NewNop()
	assert.Same(t, l, OrNew(l, "x"))
	assert.NotNil(t, OrNew(nil, "x"))
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relaypool.log")
	require.NoError(t, Init(WithLevel("debug"), WithFormat("json"), WithFile(path), WithVersion("test")))

	New("pool").Debug("connected", zap.String("relay", "wss://a"))
	require.NoError(t, UpdateLevel("error"))
	Info("suppressed")
	require.NoError(t, Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"connected"`)
	assert.Contains(t, string(data), `"component":"pool"`)
	assert.NotContains(t, string(data), "suppressed")
}

func TestInitRejectsBadOptions(t *testing.T) {
	assert.Error(t, Init(WithFormat("xml")))
	assert.Error(t, Init(WithLevel("loud")))
}
