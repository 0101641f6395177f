// Package cmd wires the CLI entrypoints: the orchestrator server, the agent
// runtime, and database migrations.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/config"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
)

// cfgFile is the --config flag shared by every subcommand.
var cfgFile string

// RegisterFlags attaches the persistent flags to the root command.
func RegisterFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches the working directory and /etc/synqx)")
}

// setup loads configuration and returns a signal-aware context carrying the
// process logger.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, error) {
	cfg, err := config.Load(config.WithConfigFile(cfgFile))
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []logger.Option{logger.WithFormat(cfg.Core.LogFormat)}
	if cfg.Core.Debug {
		opts = append(opts, logger.WithDebug())
	}
	ctx := logger.WithLogger(cmd.Context(), logger.NewLogger(opts...))
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, cancel, cfg, nil
}
