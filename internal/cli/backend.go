package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/config"
	"github.com/nmxmxh/tangled/internal/server"
	tangerr "github.com/nmxmxh/tangled/pkg/errors"
	"github.com/nmxmxh/tangled/pkg/health"
	"github.com/nmxmxh/tangled/pkg/redis"
	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/filestore"
	"github.com/nmxmxh/tangled/pkg/winreg/memstore"
	"github.com/nmxmxh/tangled/pkg/winreg/redisstore"
	"github.com/nmxmxh/tangled/pkg/winreg/sqlitestore"
	"github.com/nmxmxh/tangled/pkg/winreg/wsstore"
)

// Backend is a configured store backend. Join hands out independent
// participants; Probe is one participant the process keeps for health checks
// and read-only inspection.
type Backend struct {
	Name   string
	Join   server.Joiner
	Probe  winreg.Store
	Checks []health.HealthCheck

	closers []func() error
}

// OpenBackend connects the backend named by cfg.StoreBackend.
func OpenBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{Name: cfg.StoreBackend}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		hub := memstore.NewHub()
		b.Join = func() (winreg.Store, error) { return hub.Join(), nil }

	case config.BackendRedis:
		client, err := redis.NewClient(redis.Config{
			Host:         cfg.RedisHost,
			Port:         cfg.RedisPort,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			MaxRetries:   cfg.RedisMaxRetries,
		}, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.Checks = append(b.Checks, health.NewRedisHealthCheck("redis", client.Client))
		b.Join = func() (winreg.Store, error) {
			return redisstore.New(client.Client,
				redisstore.WithLogger(log),
				redisstore.WithNamespace(cfg.RedisNamespace),
			), nil
		}

	case config.BackendFile:
		b.Join = func() (winreg.Store, error) {
			return filestore.Open(cfg.FileDir, filestore.WithLogger(log))
		}

	case config.BackendSQLite:
		b.Join = func() (winreg.Store, error) {
			return sqlitestore.Open(cfg.SQLitePath, sqlitestore.WithLogger(log))
		}

	case config.BackendWS:
		b.Join = func() (winreg.Store, error) {
			return wsstore.Dial(ctx, cfg.WSURL, wsstore.WithLogger(log))
		}

	default:
		return nil, fmt.Errorf("%w: %q", tangerr.ErrUnknownBackend, cfg.StoreBackend)
	}

	probe, err := b.Join()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open %s store: %w", cfg.StoreBackend, err), b.close())
	}
	b.Probe = probe
	b.Checks = append(b.Checks, health.NewStoreHealthCheck(cfg.StoreBackend, probe, winreg.DefaultWindowsKey))
	log.Info("Store backend ready", zap.String("backend", cfg.StoreBackend))
	return b, nil
}

// Close releases the probe and every shared connection.
func (b *Backend) Close() error {
	var errs []error
	if b.Probe != nil {
		errs = append(errs, b.Probe.Close())
	}
	errs = append(errs, b.close())
	return errors.Join(errs...)
}

func (b *Backend) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// LoadWindows reads the registry without joining it.
func LoadWindows[M any](ctx context.Context, store winreg.Store, key string) (winreg.Windows[M], error) {
	data, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	w, _ := winreg.DecodeWindows[M](data)
	return w, nil
}
