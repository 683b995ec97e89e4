// Package cli implements the tangled command line.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/internal/config"
	"github.com/nmxmxh/tangled/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	// Store overrides the configured backend when set.
	Store string
}

// NewRootCommand creates the root command for the tangled CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tangled",
		Short: "tangled - windows that feel each other",
		Long: `Run particle swarms in several windows that share one registry of
window positions, so every swarm is pulled toward the others.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store backend (memory|redis|file|sqlite|ws)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWindowCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewWindowsCommand(opts))

	return cmd
}

// load resolves the configuration: file, then environment, then flags.
func (o *RootOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.LoadFile(o.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Store != "" {
		cfg.StoreBackend = o.Store
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, service string) *zap.Logger {
	encoding := "json"
	if cfg.AppEnv == "development" {
		encoding = "console"
	}
	return logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: service,
		Encoding:    encoding,
	})
}

func syncLogger(log *zap.Logger) {
	if err := log.Sync(); err != nil {
		log.Debug("Failed to sync logger", zap.Error(err))
	}
}
