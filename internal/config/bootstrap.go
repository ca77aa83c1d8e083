// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

//go:embed copilot.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/copilot/copilot.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", cperr.Errorf(cperr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "copilot", "copilot.yaml"), nil
}

// BootstrapConfig writes the default commented config to the default path
// unless a file is already there. It returns the path written, or "" when
// nothing was written. Failures are logged and skipped.
func BootstrapConfig() string {
	cfgPath, err := DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}
	return writeDefault(cfgPath)
}

func writeDefault(cfgPath string) string {
	if _, err := os.Stat(cfgPath); err == nil {
		return ""
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return ""
	}

	if err := os.WriteFile(cfgPath, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", cfgPath, "error", err)
		return ""
	}

	slog.Info("created default config", "path", cfgPath)
	return cfgPath
}
