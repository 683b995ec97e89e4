// Package tester holds shared test helpers: a behavioural suite every
// winreg.Store implementation runs, and a disposable Redis container.
package tester

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nmxmxh/tangled/pkg/winreg"
)

// NotifyTimeout bounds how long the suite waits for a notification.
const NotifyTimeout = 5 * time.Second

// quiet is how long the suite waits to conclude no notification will come.
const quiet = 300 * time.Millisecond

// Opener returns two participants of one fresh shared store. The suite
// closes them.
type Opener func(t *testing.T) (a, b winreg.Store)

// RunStoreSuite checks the winreg.Store contract.
func RunStoreSuite(t *testing.T, open Opener) {
	t.Run("LoadAbsent", func(t *testing.T) {
		a, b := open(t)
		defer closeAll(t, a, b)
		v, err := a.Load(context.Background(), "missing")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("PublishVisibleToOthers", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		defer closeAll(t, a, b)

		require.NoError(t, a.Publish(ctx, "k", []byte(`{"1":{"id":1}}`)))
		v, err := b.Load(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `{"1":{"id":1}}`, string(v))

		require.NoError(t, b.Publish(ctx, "k", []byte(`{}`)))
		v, err = a.Load(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(v))
	})

	t.Run("SubscribersSeeOnlyOtherWriters", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		defer closeAll(t, a, b)

		gotA := collect(t, a, "k")
		gotB := collect(t, b, "k")

		require.NoError(t, a.Publish(ctx, "k", []byte(`{"from":"a"}`)))
		assert.JSONEq(t, `{"from":"a"}`, string(gotB.next(t)))

		require.NoError(t, b.Publish(ctx, "k", []byte(`{"from":"b"}`)))
		assert.JSONEq(t, `{"from":"b"}`, string(gotA.next(t)), "a must not see its own write")
	})

	t.Run("DeleteNotifies", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		defer closeAll(t, a, b)

		require.NoError(t, a.Publish(ctx, "k", []byte(`{"x":1}`)))
		got := collect(t, b, "k")
		require.NoError(t, a.Delete(ctx, "k"))
		for {
			v := got.next(t)
			if len(v) == 0 {
				break
			}
		}
		v, err := b.Load(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("IncrIsShared", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		defer closeAll(t, a, b)

		seen := map[int64]bool{}
		var last int64
		for i := 0; i < 3; i++ {
			for _, s := range []winreg.Store{a, b} {
				n, err := s.Incr(ctx, "counter")
				require.NoError(t, err)
				assert.Greater(t, n, last)
				assert.False(t, seen[n])
				seen[n] = true
				last = n
			}
		}
		assert.Equal(t, int64(6), last)
	})

	t.Run("CancelStopsCallbacks", func(t *testing.T) {
		ctx := context.Background()
		a, b := open(t)
		defer closeAll(t, a, b)

		got := &inbox{ch: make(chan []byte, 16)}
		cancel, err := b.Subscribe("k", got.push)
		require.NoError(t, err)
		cancel()
		cancel()

		require.NoError(t, a.Publish(ctx, "k", []byte(`{"late":true}`)))
		got.none(t)
	})

	t.Run("ClosedStoreRejectsCalls", func(t *testing.T) {
		a, b := open(t)
		defer closeAll(t, b)
		require.NoError(t, a.Close())
		_, err := a.Load(context.Background(), "k")
		assert.Error(t, err)
		assert.Error(t, a.Publish(context.Background(), "k", []byte(`{}`)))
		_, err = a.Incr(context.Background(), "c")
		assert.Error(t, err)
	})
}

func closeAll(t *testing.T, stores ...winreg.Store) {
	t.Helper()
	for _, s := range stores {
		assert.NoError(t, s.Close())
	}
}

type inbox struct {
	ch chan []byte
	mu sync.Mutex
}

func (in *inbox) push(v []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	select {
	case in.ch <- v:
	default:
	}
}

func (in *inbox) next(t *testing.T) []byte {
	t.Helper()
	select {
	case v := <-in.ch:
		return v
	case <-time.After(NotifyTimeout):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func (in *inbox) none(t *testing.T) {
	t.Helper()
	select {
	case v := <-in.ch:
		t.Fatalf("unexpected notification %q", v)
	case <-time.After(quiet):
	}
}

func collect(t *testing.T, s winreg.Store, key string) *inbox {
	t.Helper()
	in := &inbox{ch: make(chan []byte, 64)}
	cancel, err := s.Subscribe(key, in.push)
	require.NoError(t, err)
	t.Cleanup(cancel)
	// Let asynchronous stores finish wiring the subscription.
	time.Sleep(50 * time.Millisecond)
	return in
}

// RedisAddr returns a Redis address for integration tests: TANGLED_TEST_REDIS
// if set, otherwise a throwaway container when TANGLED_TEST_CONTAINERS=1.
// The test is skipped when neither is available.
func RedisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("TANGLED_TEST_REDIS"); addr != "" {
		return addr
	}
	if os.Getenv("TANGLED_TEST_CONTAINERS") != "1" {
		t.Skip("set TANGLED_TEST_REDIS or TANGLED_TEST_CONTAINERS=1 to run redis tests")
	}
	ctx := context.Background()
	addr, terminate, err := StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})
	return addr
}

// StartRedis starts a redis container and returns its address.
func StartRedis(ctx context.Context) (string, func(context.Context) error, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to start Redis container: %w", err)
	}
	terminate := func(ctx context.Context) error { return container.Terminate(ctx) }

	host, err := container.Host(ctx)
	if err != nil {
		_ = terminate(ctx)
		return "", nil, fmt.Errorf("failed to get Redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = terminate(ctx)
		return "", nil, fmt.Errorf("failed to get Redis port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), terminate, nil
}
