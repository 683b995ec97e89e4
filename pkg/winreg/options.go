package winreg

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultWindowsKey holds the shared collection of window records.
	DefaultWindowsKey = "tangled_windows"
	// DefaultCounterKey holds the counter used to mint window ids.
	DefaultCounterKey = "tangled_window_counter"
	// DefaultStaleAfter is how long a record may go without a heartbeat.
	DefaultStaleAfter = 2 * time.Second
	// DefaultMoveTolerance is the center displacement, in pixels, below which
	// another window is considered not to have moved.
	DefaultMoveTolerance = 5.0
)

// ShapeSource measures the live window.
type ShapeSource interface {
	Shape() Shape
}

// ShapeFunc adapts a function to ShapeSource.
type ShapeFunc func() Shape

// Shape implements ShapeSource.
func (f ShapeFunc) Shape() Shape { return f() }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer receives registry events for instrumentation.
type Observer interface {
	StoreError(op string)
	StaleRemoved(n int)
	WindowCount(n int)
}

type nopObserver struct{}

func (nopObserver) StoreError(string) {}
func (nopObserver) StaleRemoved(int)  {}
func (nopObserver) WindowCount(int)   {}

type options struct {
	log        *zap.Logger
	clock      Clock
	observer   Observer
	staleAfter time.Duration
	tolerance  float64
	windowsKey string
	counterKey string
}

func defaultOptions() options {
	return options{
		log:        zap.NewNop(),
		clock:      systemClock{},
		observer:   nopObserver{},
		staleAfter: DefaultStaleAfter,
		tolerance:  DefaultMoveTolerance,
		windowsKey: DefaultWindowsKey,
		counterKey: DefaultCounterKey,
	}
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the manager logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithObserver reports store errors, stale removals and window counts.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithMoveTolerance sets the center displacement that counts as a move.
func WithMoveTolerance(px float64) Option {
	return func(o *options) {
		if px >= 0 {
			o.tolerance = px
		}
	}
}

// WithKeys overrides the store keys, letting several registries share a store.
func WithKeys(windowsKey, counterKey string) Option {
	return func(o *options) {
		if windowsKey != "" {
			o.windowsKey = windowsKey
		}
		if counterKey != "" {
			o.counterKey = counterKey
		}
	}
}
