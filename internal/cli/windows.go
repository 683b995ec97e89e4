package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/swarm"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// WindowsOptions holds flags for the windows command.
type WindowsOptions struct {
	*RootOptions
	Key string
}

// NewWindowsCommand creates the windows command.
func NewWindowsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WindowsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "windows",
		Short: "List the windows in the registry",
		Long: `Print every record of the shared registry without joining it. Records
that missed their heartbeat are marked stale.

Example:
  tangled windows --store redis
  tangled windows --store file --key windows`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWindows(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", winreg.DefaultWindowsKey, "registry key")

	return cmd
}

func runWindows(ctx context.Context, opts *WindowsOptions, out io.Writer) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log := newLogger(cfg, "tangled-cli")
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

	w, err := LoadWindows[swarm.Meta](ctx, backend.Probe, opts.Key)
	if err != nil {
		return err
	}
	if len(w) == 0 {
		fmt.Fprintln(out, "no windows registered")
		return nil
	}
	return renderWindows(out, w.Sorted(), cfg.StaleAfter, time.Now())
}
