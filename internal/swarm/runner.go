package swarm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// DefaultGridSize is the default grid edge, 64x64 = 4096 particles.
const DefaultGridSize = 64

// RunnerOption configures a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	log        *zap.Logger
	size       int
	seed       int64
	now        func() time.Time
	readEvery  int
	onReadback func(*gpgpu.Buffer)
	engineOpts []gpgpu.Option
}

// WithRunnerLogger sets the runner logger. The engine inherits it unless
// WithEngineOptions overrides it.
func WithRunnerLogger(log *zap.Logger) RunnerOption {
	return func(o *runnerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithGridSize sets the grid edge.
func WithGridSize(size int) RunnerOption {
	return func(o *runnerOptions) {
		if size > 0 {
			o.size = size
		}
	}
}

// WithSeed sets the seed of the initial particle layout.
func WithSeed(seed int64) RunnerOption {
	return func(o *runnerOptions) { o.seed = seed }
}

// WithNow replaces the clock used for the time uniform.
func WithNow(now func() time.Time) RunnerOption {
	return func(o *runnerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithReadback copies positions to host memory every n frames and hands the
// buffer to fn. The buffer is reused between calls.
func WithReadback(n int, fn func(*gpgpu.Buffer)) RunnerOption {
	return func(o *runnerOptions) {
		o.readEvery = n
		o.onReadback = fn
	}
}

// WithEngineOptions passes options through to the compute engine.
func WithEngineOptions(opts ...gpgpu.Option) RunnerOption {
	return func(o *runnerOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// Runner drives one window: registry heartbeat, attractors and one compute
// tick per frame.
type Runner struct {
	reg  *winreg.Manager[Meta]
	sys  *System
	opts runnerOptions
	log  *zap.Logger

	start     time.Time
	frame     int
	last      []Attractor
	positions *gpgpu.Buffer
}

// NewRunner builds the swarm on host for reg. A nil host, or one that cannot
// run the swarm, leaves the runner in registry-only mode.
func NewRunner(reg *winreg.Manager[Meta], host gpgpu.Host, opts ...RunnerOption) *Runner {
	o := runnerOptions{log: zap.NewNop(), size: DefaultGridSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Runner{
		reg:   reg,
		opts:  o,
		log:   o.log.With(zap.String("module", "swarm")),
		start: o.now(),
	}
	if host == nil {
		r.log.Info("no compute host, running registry only")
		return r
	}

	engineOpts := append([]gpgpu.Option{gpgpu.WithLogger(o.log)}, o.engineOpts...)
	sys, err := NewSystem(host, o.size, o.seed, engineOpts...)
	if err != nil {
		r.log.Warn("simulation unavailable, running registry only", zap.Error(err))
		return r
	}
	r.sys = sys
	if o.readEvery > 0 {
		r.positions = gpgpu.NewBuffer(sys.Size(), sys.Size())
	}
	return r
}

// Simulating reports whether a swarm is attached.
func (r *Runner) Simulating() bool { return r.sys != nil }

// System returns the swarm, or nil in registry-only mode.
func (r *Runner) System() *System { return r.sys }

// Frames returns the number of completed frames.
func (r *Runner) Frames() int { return r.frame }

// Attractors returns the attractors bound by the last frame.
func (r *Runner) Attractors() []Attractor { return r.last }

// Frame runs one frame. Registry errors abort the frame; compute errors are
// returned after the registry was updated.
func (r *Runner) Frame(ctx context.Context) error {
	if err := r.reg.Update(ctx); err != nil {
		return err
	}
	self, ok := r.reg.ThisWindow()
	if !ok {
		return winreg.ErrNotInitialized
	}
	r.last = Attractors(self, r.reg.OtherWindows())

	frame := r.frame
	r.frame++
	if r.sys == nil {
		return nil
	}

	if err := r.sys.SetAttractors(r.last); err != nil {
		return fmt.Errorf("swarm: bind attractors: %w", err)
	}
	elapsed := float64(r.opts.now().Sub(r.start)) / float64(time.Millisecond)
	if err := r.sys.Step(elapsed, frame); err != nil {
		return fmt.Errorf("swarm: frame %d: %w", frame, err)
	}

	if r.positions != nil && r.frame%r.opts.readEvery == 0 {
		if err := r.sys.ReadPositions(r.positions); err != nil {
			return fmt.Errorf("swarm: readback: %w", err)
		}
		if r.opts.onReadback != nil {
			r.opts.onReadback(r.positions)
		}
	}
	return nil
}

// Run calls Frame every interval until ctx is done. Frame errors are logged
// and do not stop the loop.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Frame(ctx); err != nil {
				r.log.Warn("frame failed", zap.Int("frame", r.frame), zap.Error(err))
			}
		}
	}
}

// Close releases the swarm. The registry manager is left to its owner.
func (r *Runner) Close() {
	if r.sys != nil {
		r.sys.Close()
		r.sys = nil
	}
}
