// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gtm-copilot/gtm-copilot/internal/config"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// NewRootCmd creates the root copilot command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "copilot",
		Short:         "GTM Copilot retrieval service",
		Long:          "Stores embeddings for GTM Copilot and answers nearest-neighbour queries over them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags map to viper keys in initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringP("address", "a", "", "API server address (default networking.listen)")
	root.PersistentFlags().StringP("output", "o", "text", "output format: text, json or yaml")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newVersionCmd(),
		newDoctorCmd(),
		newSecretCmd(),
		newCollectionCmd(),
		newRecordCmd(),
		newSearchCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and an optional config file so the usual precedence
// (flag > env > file > defaults) applies everywhere.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cperr.Errorf(cperr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is omitted: with it set, Viper also tries the bare
		// name, which collides with a ./copilot binary.
		v.SetConfigName("copilot")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/copilot")
		v.AddConfigPath("/etc/copilot")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cperr.Errorf(cperr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return cperr.Errorf(cperr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"storage.data_dir": "data-dir",
		"verbose":          "verbose",
		"address":          "address",
		"output":           "output",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return cperr.Errorf(cperr.CodeCLISetupFailure, "binding %s flag: %w", flag, err)
		}
	}

	return nil
}

// serverAddress is the --address flag, falling back to the configured
// listen address.
func serverAddress() string {
	if addr := viper.GetString("address"); addr != "" {
		return addr
	}
	return viper.GetString("networking.listen")
}
