package cli

import (
	"context"
	"errors"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/config"
	"github.com/nmxmxh/tangled/internal/swarm"
	"github.com/nmxmxh/tangled/pkg/gpgpu"
	"github.com/nmxmxh/tangled/pkg/gpgpu/cpuhost"
	"github.com/nmxmxh/tangled/pkg/logger"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// WindowOptions holds flags for the window command.
type WindowOptions struct {
	*RootOptions
	Name     string
	X, Y     float64
	W, H     float64
	Orbit    float64
	Period   time.Duration
	Simulate bool
	Frames   int
}

// NewWindowCommand creates the window command.
func NewWindowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WindowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "window",
		Short: "Join the registry as a headless window",
		Long: `Register a window without a display. The window drifts on a circle
around its starting position so other windows see it move, and optionally
runs its particle swarm on the CPU.

Example:
  tangled window --name left --x 100 --y 100
  tangled window --store ws --orbit 150 --simulate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWindow(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "window name published with its record")
	cmd.Flags().Float64Var(&opts.X, "x", 0, "left edge in screen pixels")
	cmd.Flags().Float64Var(&opts.Y, "y", 0, "top edge in screen pixels")
	cmd.Flags().Float64Var(&opts.W, "w", 800, "width in pixels")
	cmd.Flags().Float64Var(&opts.H, "h", 600, "height in pixels")
	cmd.Flags().Float64Var(&opts.Orbit, "orbit", 0, "radius of the drift circle in pixels")
	cmd.Flags().DurationVar(&opts.Period, "period", 20*time.Second, "time for one drift circle")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "run the particle swarm on the CPU")
	cmd.Flags().IntVar(&opts.Frames, "frames", 0, "stop after this many frames (0 runs until interrupted)")

	return cmd
}

// orbit is a window drifting on a circle around base.
type orbit struct {
	base   winreg.Shape
	radius float64
	period time.Duration
	start  time.Time
	now    func() time.Time
}

func (o *orbit) Shape() winreg.Shape {
	s := o.base
	if o.radius == 0 || o.period <= 0 {
		return s
	}
	phase := 2 * math.Pi * float64(o.now().Sub(o.start)) / float64(o.period)
	s.X += math.Round(o.radius * math.Cos(phase))
	s.Y += math.Round(o.radius * math.Sin(phase))
	return s
}

func runWindow(ctx context.Context, opts *WindowOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log := newLogger(cfg, "tangled-window")
	defer syncLogger(log)

	backend, err := OpenBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("Failed to close store backend", zap.Error(err))
		}
	}()
	store, err := backend.Join()
	if err != nil {
		return err
	}
	defer store.Close()

	shape := &orbit{
		base:   winreg.Shape{X: opts.X, Y: opts.Y, W: opts.W, H: opts.H},
		radius: opts.Orbit,
		period: opts.Period,
		start:  time.Now(),
		now:    time.Now,
	}
	reg := newRegistry(store, shape, cfg, log)

	id, err := reg.Init(ctx, swarm.Meta{Name: opts.Name, Particles: cfg.GridSize * cfg.GridSize})
	if err != nil {
		return err
	}
	ctx = logger.WithWindow(ctx, id)
	wlog := logger.FromContext(ctx, log)
	wlog.Info("Window registered", zap.Int("windows", reg.Count()))
	reg.OnWindowsChange(func(others []winreg.Record[swarm.Meta]) {
		wlog.Info("Other windows changed", zap.Int("others", len(others)))
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			wlog.Warn("Failed to remove window record", zap.Error(err))
		}
	}()

	var host gpgpu.Host
	if opts.Simulate {
		host = cpuhost.New(cpuhost.WithLogger(log))
	}
	r := swarm.NewRunner(reg, host,
		swarm.WithRunnerLogger(wlog),
		swarm.WithGridSize(cfg.GridSize),
		swarm.WithSeed(id),
	)
	defer r.Close()

	if opts.Frames <= 0 {
		if err := r.Run(ctx, cfg.FrameInterval()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	return runFrames(ctx, r, opts.Frames, cfg.FrameInterval())
}

func runFrames(ctx context.Context, r *swarm.Runner, frames int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < frames; i++ {
		if err := r.Frame(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func newRegistry(store winreg.Store, shape winreg.ShapeSource, cfg *config.Config, log *zap.Logger, opts ...winreg.Option) *winreg.Manager[swarm.Meta] {
	return winreg.New[swarm.Meta](store, shape, append([]winreg.Option{
		winreg.WithLogger(log),
		winreg.WithStaleAfter(cfg.StaleAfter),
		winreg.WithMoveTolerance(cfg.MoveTolerance),
	}, opts...)...)
}
