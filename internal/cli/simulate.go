package cli

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/swarm"
	"github.com/nmxmxh/tangled/pkg/gpgpu"
	"github.com/nmxmxh/tangled/pkg/gpgpu/cpuhost"
	"github.com/nmxmxh/tangled/pkg/metrics"
	"github.com/nmxmxh/tangled/pkg/winreg"
	"github.com/nmxmxh/tangled/pkg/winreg/memstore"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Windows int
	Frames  int
	Grid    int
	Spacing float64
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run several windows in one process on the CPU",
		Long: `Place windows side by side on an in-memory registry, run every swarm
for a number of frames and print where the particles ended up.

Example:
  tangled simulate --windows 3 --frames 120 --grid 16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.Windows, "windows", 3, "number of windows")
	cmd.Flags().IntVar(&opts.Frames, "frames", 120, "frames to run")
	cmd.Flags().IntVar(&opts.Grid, "grid", 0, "grid edge per swarm (defaults to the configured one)")
	cmd.Flags().Float64Var(&opts.Spacing, "spacing", 400, "horizontal distance between window origins")

	return cmd
}

func runSimulate(ctx context.Context, opts *SimulateOptions, out io.Writer) error {
	if opts.Windows < 1 || opts.Frames < 0 {
		return fmt.Errorf("need at least one window and a non-negative frame count")
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	grid := opts.Grid
	if grid <= 0 {
		grid = cfg.GridSize
	}
	log := newLogger(cfg, "tangled-simulate")
	defer syncLogger(log)

	m := metrics.New()
	hub := memstore.NewHub()
	host := cpuhost.New(cpuhost.WithLogger(log))

	runners := make([]*swarm.Runner, 0, opts.Windows)
	regs := make([]*winreg.Manager[swarm.Meta], 0, opts.Windows)
	defer func() {
		for i, r := range runners {
			r.Close()
			if err := regs[i].Close(context.Background()); err != nil {
				log.Warn("Failed to remove window record", zap.Error(err))
			}
		}
	}()

	for i := 0; i < opts.Windows; i++ {
		shape := winreg.Shape{X: float64(i) * opts.Spacing, Y: 0, W: 300, H: 300}
		reg := newRegistry(hub.Join(), winreg.ShapeFunc(func() winreg.Shape { return shape }), cfg, log,
			winreg.WithObserver(m))
		id, err := reg.Init(ctx, swarm.Meta{Name: fmt.Sprintf("sim-%d", i+1), Particles: grid * grid})
		if err != nil {
			return err
		}
		r := swarm.NewRunner(reg, host,
			swarm.WithRunnerLogger(log),
			swarm.WithGridSize(grid),
			swarm.WithSeed(id),
			swarm.WithEngineOptions(gpgpu.WithTickObserver(m.ObserveTick)),
		)
		if !r.Simulating() {
			return fmt.Errorf("window %d: simulation unavailable", id)
		}
		regs = append(regs, reg)
		runners = append(runners, r)
	}

	for f := 0; f < opts.Frames; f++ {
		for _, r := range runners {
			if err := r.Frame(ctx); err != nil {
				return err
			}
		}
	}

	rows := make([]swarmSummary, 0, len(runners))
	for i, r := range runners {
		row, err := summarize(r)
		if err != nil {
			return err
		}
		row.ID = regs[i].ID()
		rows = append(rows, row)
	}
	if err := renderSummaries(out, rows); err != nil {
		return err
	}

	ticks, mean, err := m.TickStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ticks: %s, mean compute: %s\n", metrics.FormatCount(ticks), mean)
	return nil
}

func summarize(r *swarm.Runner) (swarmSummary, error) {
	sys := r.System()
	pos := gpgpu.NewBuffer(sys.Size(), sys.Size())
	vel := gpgpu.NewBuffer(sys.Size(), sys.Size())
	if err := sys.ReadPositions(pos); err != nil {
		return swarmSummary{}, err
	}
	if err := sys.ReadVelocities(vel); err != nil {
		return swarmSummary{}, err
	}
	var radius, speed float64
	for y := 0; y < pos.Height; y++ {
		for x := 0; x < pos.Width; x++ {
			radius += norm3(pos.At(x, y))
			speed += norm3(vel.At(x, y))
		}
	}
	n := float64(sys.Particles())
	return swarmSummary{
		Attractors: len(r.Attractors()),
		MeanRadius: radius / n,
		MeanSpeed:  speed / n,
	}, nil
}

func norm3(v [4]float32) float64 {
	return math.Sqrt(float64(v[0])*float64(v[0]) + float64(v[1])*float64(v[1]) + float64(v[2])*float64(v[2]))
}
