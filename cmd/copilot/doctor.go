// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/gtm-copilot/gtm-copilot/internal/config"
	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the binary, configuration, storage backend, embedding provider, running server, and disk space.",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	addr := serverAddress()

	cfg, cfgErr := config.FromViper(viper.GetViper())

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", func() string { return checkConfig(cfgErr) }},
		{"Storage", func() string { return checkStorage(commandContext(cmd), cfg) }},
		{"Embedding", func() string { return checkEmbedding(cfg) }},
		{"Server", func() string { return checkServer(addr) }},
		{"Disk Space", func() string { return checkDiskSpace(viper.GetString("storage.data_dir")) }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

func checkBinary() string {
	return fmt.Sprintf("copilot %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig(err error) string {
	if err != nil {
		return fmt.Sprintf("invalid: %s", err)
	}
	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		return fmt.Sprintf("loaded from %s", cfgFile)
	}
	return "using defaults (no config file found)"
}

func checkStorage(ctx context.Context, cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	backend := cfg.Storage.Backend
	if backend == "memory" {
		return "memory (records are lost on exit)"
	}
	if backend == "sqlite" {
		if _, err := os.Stat(cfg.Storage.DataDir); os.IsNotExist(err) {
			return fmt.Sprintf("sqlite, data directory %s not created yet", cfg.Storage.DataDir)
		}
	}

	catalog, err := store.NewCatalog(&store.StorageConfig{
		Backend: backend,
		DataDir: cfg.Storage.DataDir,
		DSN:     cfg.Storage.Postgres.DSN,
	})
	if err != nil {
		return fmt.Sprintf("%s: %s", backend, err)
	}
	defer func() { _ = catalog.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := catalog.Ping(ctx); err != nil {
		return fmt.Sprintf("%s unreachable: %s", backend, err)
	}
	specs, err := catalog.ListCollections(ctx)
	if err != nil {
		return fmt.Sprintf("%s reachable, listing collections failed: %s", backend, err)
	}
	return fmt.Sprintf("%s ok, %d collection(s)", backend, len(specs))
}

func checkEmbedding(cfg *config.Config) string {
	if cfg == nil {
		return "skipped (config invalid)"
	}
	if cfg.Embedding.Provider == "" {
		return "disabled (vector input only)"
	}
	if _, err := embed.New(embed.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	}); err != nil {
		return fmt.Sprintf("%s: %s", cfg.Embedding.Provider, err)
	}
	return fmt.Sprintf("%s configured (model %s)", cfg.Embedding.Provider, cfg.Embedding.Model)
}

func checkServer(addr string) string {
	var body statusBody
	if err := newAPIClient(addr).getJSON("/api/v1/status", &body); err != nil {
		if cperr.HasCode(err, cperr.CodeCLIServerNotRunning) {
			return fmt.Sprintf("not running at %s (run 'copilot serve')", addr)
		}
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%s at %s", body.Status, addr)
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); path == "" || os.IsNotExist(err) {
		// The data directory may not exist before the first serve.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
