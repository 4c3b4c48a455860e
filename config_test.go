package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBuildConfig_Defaults(t *testing.T) {
	cfg := buildConfig(nil)
	require.Equal(t, DefaultRelayCapacity, cfg.RelayCapacity)
	require.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	require.Equal(t, 10*time.Millisecond, cfg.RetryInitialInterval)
	require.Equal(t, time.Second, cfg.RetryMaxInterval)
	require.Zero(t, cfg.RetryMaxElapsed)
	require.NotNil(t, cfg.Logger)
}

func TestBuildConfig_Normalizes(t *testing.T) {
	cfg := buildConfig([]Setting{
		WithRelayCapacity(-1),
		WithReadBufferSize(0),
		WithRetry(50*time.Millisecond, time.Millisecond, time.Minute),
	})
	require.Equal(t, DefaultRelayCapacity, cfg.RelayCapacity)
	require.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	require.Equal(t, 50*time.Millisecond, cfg.RetryMaxInterval)
	require.Equal(t, time.Minute, cfg.RetryMaxElapsed)
}

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	h := newHost()
	ch, _ := attachFake(t, h)
	h.interp.Run(func() { require.NoError(t, ch.Close()) })

	entries := logs.FilterMessage("channel open").All()
	require.Len(t, entries, 1)
	require.Equal(t, "fake", entries[0].ContextMap()["device"])
	require.Equal(t, 1, logs.FilterMessage("channel closed").Len())
}
