package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/memstore"
)

// MockHealthCheck implements HealthCheck interface for testing
type MockHealthCheck struct {
	name    string
	err     error
	checked atomic.Bool
	calls   atomic.Int32
}

func (m *MockHealthCheck) Check(ctx context.Context) error {
	m.checked.Store(true)
	m.calls.Add(1)
	return m.err
}

func (m *MockHealthCheck) Name() string {
	return m.name
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker()
	assert.NotNil(t, hc)
	assert.Empty(t, hc.checks)
}

func TestHealthChecker_Register(t *testing.T) {
	hc := NewHealthChecker()
	check := &MockHealthCheck{name: "test"}

	hc.Register(check)
	assert.Len(t, hc.checks, 1)
	assert.Equal(t, check, hc.checks[0])
}

func TestHealthChecker_Check(t *testing.T) {
	hc := NewHealthChecker()
	ctx := context.Background()

	successCheck := &MockHealthCheck{name: "success"}
	failCheck := &MockHealthCheck{
		name: "fail",
		err:  errors.New("check failed"),
	}

	hc.Register(successCheck)
	hc.Register(failCheck)

	results := hc.Check(ctx)

	assert.Len(t, results, 2)
	assert.NoError(t, results["success"])
	assert.Error(t, results["fail"])
	assert.True(t, successCheck.checked.Load())
	assert.True(t, failCheck.checked.Load())
}

func TestStoreHealthCheck(t *testing.T) {
	hub := memstore.NewHub()
	store := hub.Join()
	check := NewStoreHealthCheck("store", store, winreg.DefaultWindowsKey)
	assert.Equal(t, "store", check.Name())
	assert.NoError(t, check.Check(context.Background()))

	require.NoError(t, store.Close())
	assert.ErrorIs(t, check.Check(context.Background()), winreg.ErrClosed)
}

func TestCheckFunc(t *testing.T) {
	boom := errors.New("boom")
	check := NewCheckFunc("engine", func(context.Context) error { return boom })
	assert.Equal(t, "engine", check.Name())
	assert.ErrorIs(t, check.Check(context.Background()), boom)
}

func TestHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register(&MockHealthCheck{name: "ok"})

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"UP","checks":{"ok":"UP"}}`, rec.Body.String())

	hc.Register(&MockHealthCheck{name: "store", err: errors.New("unreachable")})
	rec = httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"DOWN","checks":{"ok":"UP","store":"unreachable"}}`, rec.Body.String())
}

func TestConcurrentHealthChecks(t *testing.T) {
	hc := NewHealthChecker()
	ctx := context.Background()

	// Register multiple checks
	checks := make([]*MockHealthCheck, 0, 10)
	for i := 0; i < 10; i++ {
		check := &MockHealthCheck{name: fmt.Sprintf("check-%d", i)}
		hc.Register(check)
		checks = append(checks, check)
	}

	// Run health checks concurrently
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := hc.Check(ctx)
			assert.Len(t, results, 10)
		}()
	}

	wg.Wait()
	for _, c := range checks {
		assert.Equal(t, int32(5), c.calls.Load(), c.name)
	}
}

func TestHealthCheckerWithTimeout(t *testing.T) {
	hc := NewHealthChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Register a check that respects context cancellation
	check := &MockHealthCheck{
		name: "timeout-check",
		err:  context.DeadlineExceeded,
	}
	hc.Register(check)

	results := hc.Check(ctx)
	assert.Error(t, results["timeout-check"])
	assert.Equal(t, context.DeadlineExceeded, results["timeout-check"])
}
