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

	"github.com/nmxmxh/tangled/pkg/json"
)

func TestNewWritesJSONWithBaseFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	log := New(Config{
		Environment: "production",
		LogLevel:    "warn",
		ServiceName: "tangled",
		OutputPaths: []string{path},
	})
	log.Info("dropped")
	log.Warn("kept", zap.Int("windows", 3))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "tangled", entry["service"])
	assert.Equal(t, "production", entry["environment"])
	assert.Equal(t, float64(3), entry["windows"])
}

func TestDefaults(t *testing.T) {
	log := New(Config{Encoding: "console"})
	assert.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestGetLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, getLogLevel(in).Level(), in)
	}
}

func TestWindowContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := WithWindow(context.Background(), 7)
	id, ok := WindowFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	FromContext(ctx, base).Info("with window")
	FromContext(context.Background(), base).Info("without window")
	assert.Equal(t, ctx, WithWindow(ctx, 0))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(7), entries[0].ContextMap()["window_id"])
	assert.NotContains(t, entries[1].ContextMap(), "window_id")
}
