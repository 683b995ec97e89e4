package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 2*time.Second, cfg.StaleAfter)
	assert.Equal(t, 5.0, cfg.MoveTolerance)
	assert.Equal(t, time.Second/60, cfg.FrameInterval())
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("TANGLED_STORE", "redis")
	t.Setenv("TANGLED_REDIS_DB", "3")
	t.Setenv("TANGLED_STALE_AFTER", "1500ms")
	t.Setenv("TANGLED_MOVE_TOLERANCE", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 1500*time.Millisecond, cfg.StaleAfter)
	assert.Equal(t, 2.5, cfg.MoveTolerance)
}

func TestLoadEnvErrors(t *testing.T) {
	cases := map[string]string{
		"TANGLED_REDIS_DB":       "three",
		"TANGLED_STALE_AFTER":    "soon",
		"TANGLED_MOVE_TOLERANCE": "far",
		"TANGLED_STORE":          "floppy",
		"TANGLED_GRID_SIZE":      "0",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tangled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend: sqlite
sqlite_path: /var/lib/tangled.db
stale_after: 3s
grid_size: 128
`), 0o644))
	t.Setenv("TANGLED_GRID_SIZE", "32")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "/var/lib/tangled.db", cfg.SQLitePath)
	assert.Equal(t, 3*time.Second, cfg.StaleAfter)
	assert.Equal(t, 32, cfg.GridSize, "environment wins over the file")
	assert.Equal(t, 60, cfg.FrameRate)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grid_size: [1"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
