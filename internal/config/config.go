package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendWS     = "ws"
)

type Config struct {
	AppEnv            string        `yaml:"app_env"`
	LogLevel          string        `yaml:"log_level"`
	StoreBackend      string        `yaml:"store_backend"`
	RedisHost         string        `yaml:"redis_host"`
	RedisPort         string        `yaml:"redis_port"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	RedisPoolSize     int           `yaml:"redis_pool_size"`
	RedisMinIdleConns int           `yaml:"redis_min_idle_conns"`
	RedisMaxRetries   int           `yaml:"redis_max_retries"`
	RedisNamespace    string        `yaml:"redis_namespace"`
	FileDir           string        `yaml:"file_dir"`
	SQLitePath        string        `yaml:"sqlite_path"`
	WSURL             string        `yaml:"ws_url"`
	ListenAddr        string        `yaml:"listen_addr"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	MoveTolerance     float64       `yaml:"move_tolerance"`
	GridSize          int           `yaml:"grid_size"`
	FrameRate         int           `yaml:"frame_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		AppEnv:         "development",
		LogLevel:       "info",
		StoreBackend:   BackendMemory,
		RedisHost:      "localhost",
		RedisPort:      "6379",
		RedisPoolSize:  10,
		RedisNamespace: "tangled",
		FileDir:        os.TempDir() + "/tangled",
		SQLitePath:     "tangled.db",
		WSURL:          "ws://localhost:8090/ws",
		ListenAddr:     ":8090",
		StaleAfter:     2 * time.Second,
		MoveTolerance:  5,
		GridSize:       64,
		FrameRate:      60,
	}
}

// Load reads TANGLED_* environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path on the defaults, then applies the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) applyEnv() error {
	strs := map[string]*string{
		"TANGLED_ENV":             &cfg.AppEnv,
		"TANGLED_LOG_LEVEL":       &cfg.LogLevel,
		"TANGLED_STORE":           &cfg.StoreBackend,
		"TANGLED_REDIS_HOST":      &cfg.RedisHost,
		"TANGLED_REDIS_PORT":      &cfg.RedisPort,
		"TANGLED_REDIS_PASSWORD":  &cfg.RedisPassword,
		"TANGLED_REDIS_NAMESPACE": &cfg.RedisNamespace,
		"TANGLED_FILE_DIR":        &cfg.FileDir,
		"TANGLED_SQLITE_PATH":     &cfg.SQLitePath,
		"TANGLED_WS_URL":          &cfg.WSURL,
		"TANGLED_LISTEN_ADDR":     &cfg.ListenAddr,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TANGLED_REDIS_DB":             &cfg.RedisDB,
		"TANGLED_REDIS_POOL_SIZE":      &cfg.RedisPoolSize,
		"TANGLED_REDIS_MIN_IDLE_CONNS": &cfg.RedisMinIdleConns,
		"TANGLED_REDIS_MAX_RETRIES":    &cfg.RedisMaxRetries,
		"TANGLED_GRID_SIZE":            &cfg.GridSize,
		"TANGLED_FRAME_RATE":           &cfg.FrameRate,
	}
	var err error
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			*dst, err = strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	if v := os.Getenv("TANGLED_STALE_AFTER"); v != "" {
		cfg.StaleAfter, err = time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TANGLED_STALE_AFTER: %w", err)
		}
	}
	if v := os.Getenv("TANGLED_MOVE_TOLERANCE"); v != "" {
		cfg.MoveTolerance, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TANGLED_MOVE_TOLERANCE: %w", err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail later and less clearly.
func (cfg *Config) Validate() error {
	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis, BackendFile, BackendSQLite, BackendWS:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.GridSize <= 0 {
		return fmt.Errorf("grid size must be positive, got %d", cfg.GridSize)
	}
	if cfg.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %d", cfg.FrameRate)
	}
	if cfg.StaleAfter <= 0 {
		return fmt.Errorf("stale timeout must be positive, got %s", cfg.StaleAfter)
	}
	if cfg.MoveTolerance < 0 {
		return fmt.Errorf("move tolerance must not be negative, got %g", cfg.MoveTolerance)
	}
	return nil
}

// FrameInterval is the time between simulation frames.
func (cfg *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(cfg.FrameRate)
}
