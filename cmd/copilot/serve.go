// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gtm-copilot/gtm-copilot/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the retrieval API server",
		Long:    "Load configuration, open storage, load every collection index, and serve the HTTP API until interrupted.",
		RunE:    runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("networking.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	if viper.GetBool("verbose") {
		cfg.Logging.Level = "debug"
	}

	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	if path := viper.ConfigFileUsed(); path != "" {
		config.WarnInsecurePermissions(path)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := WireApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("closing app", "error", err)
		}
	}()

	logger.Info("starting copilot",
		"version", version,
		"listen", cfg.Networking.Listen,
		"storage", cfg.Storage.Backend,
		"index_mode", cfg.Index.Mode)
	return app.Run(ctx)
}

// commandContext returns cmd's context, or Background when run outside
// Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
