package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nmxmxh/tangled/pkg/json"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// Status represents the health status
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// HealthCheck represents a health check
type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker manages health checks
type HealthChecker struct {
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make([]HealthCheck, 0),
		timeout: 2 * time.Second,
	}
}

// Register adds a new health check
func (hc *HealthChecker) Register(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Report is the JSON body served by Handler.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler serves a Report, with 503 when any check fails.
func (hc *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hc.timeout)
		defer cancel()

		report := Report{Status: StatusUp, Checks: map[string]string{}}
		results := hc.Check(ctx)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := results[name]; err != nil {
				report.Status = StatusDown
				report.Checks[name] = err.Error()
				continue
			}
			report.Checks[name] = string(StatusUp)
		}

		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// StoreHealthCheck reads a key from a registry store.
type StoreHealthCheck struct {
	name  string
	store winreg.Store
	key   string
}

// NewStoreHealthCheck checks that key can be loaded from store.
func NewStoreHealthCheck(name string, store winreg.Store, key string) *StoreHealthCheck {
	return &StoreHealthCheck{name: name, store: store, key: key}
}

func (s *StoreHealthCheck) Check(ctx context.Context) error {
	_, err := s.store.Load(ctx, s.key)
	return err
}

func (s *StoreHealthCheck) Name() string {
	return s.name
}

// RedisHealthCheck checks Redis connectivity
type RedisHealthCheck struct {
	name   string
	client goredis.UniversalClient
}

func NewRedisHealthCheck(name string, client goredis.UniversalClient) *RedisHealthCheck {
	return &RedisHealthCheck{name: name, client: client}
}

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisHealthCheck) Name() string {
	return r.name
}

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error {
	return c.fn(ctx)
}

func (c *CheckFunc) Name() string {
	return c.name
}
