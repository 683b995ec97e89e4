package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTick(t *testing.T) {
	m := New()
	m.ObserveTick(3 * time.Millisecond)
	m.ObserveTick(4 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Ticks))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ComputeDuration))
}

func TestRegistryObserver(t *testing.T) {
	m := New()
	m.StoreError("publish")
	m.StoreError("publish")
	m.StoreError("load")
	m.StaleRemoved(3)
	m.WindowCount(4)
	m.WindowCount(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("load")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StaleRemovals))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Windows))
}

func TestClients(t *testing.T) {
	m := New()
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.Frame(true)
	m.Frame(false)
	m.Frame(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSFrames.WithLabelValues("in")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WSFrames.WithLabelValues("out")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveTick(time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tangled_ticks_total 1"))
	assert.True(t, strings.Contains(body, "tangled_compute_duration_seconds_bucket"))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Ticks.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Ticks))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "3", FormatCount(3))
	assert.Equal(t, "0.5", FormatCount(0.5))
}

func TestTickStats(t *testing.T) {
	m := New()
	n, mean, err := m.TickStats()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, mean)

	m.ObserveTick(2 * time.Millisecond)
	m.ObserveTick(4 * time.Millisecond)
	n, mean, err = m.TickStats()
	require.NoError(t, err)
	assert.Equal(t, 2.0, n)
	assert.InDelta(t, float64(3*time.Millisecond), float64(mean), float64(time.Microsecond))
}
