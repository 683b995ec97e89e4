package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/server"
	"github.com/nmxmxh/tangled/pkg/health"
	"github.com/nmxmxh/tangled/pkg/metrics"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Origins []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket hub windows connect to",
		Long: `Serve the shared registry over a websocket so windows on other machines
or browsers can join it. Each connection gets its own participant of the
configured store backend.

Example:
  tangled serve --addr :8090
  TANGLED_STORE=redis tangled serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to the configured one)")
	cmd.Flags().StringSliceVar(&opts.Origins, "origin", nil, "allowed websocket origins (default any)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log := newLogger(cfg, "tangled-hub")
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

	m := metrics.New()
	checker := health.NewHealthChecker()
	for _, c := range backend.Checks {
		checker.Register(c)
	}

	hub := server.NewHub(backend.Join,
		server.WithHubLogger(log),
		server.WithHubMetrics(m),
		server.WithAllowedOrigins(opts.Origins...),
	)

	addr := opts.Addr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	return server.New(hub, checker, m, log).ListenAndServe(ctx, addr)
}
