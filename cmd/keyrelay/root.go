// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyrelay-dev/keyrelay/internal/config"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// defaultAddress is where client commands look for a running server.
const defaultAddress = "127.0.0.1:5000"

// NewRootCmd creates the root keyrelay command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keyrelay",
		Short:         "keyrelay: chat backend with a rotating pool of API keys",
		Long:          "keyrelay serves a chat API that spreads calls across several upstream API keys, skipping keys that hit quota or fail.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initViper(cmd); err != nil {
				return err
			}
			initLogging(cmd)
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newChatCmd(),
		newKeysCmd(),
		newConfigCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper resets the global Viper and layers defaults, environment and
// the config file so precedence is flag > env > file > defaults.
func initViper(cmd *cobra.Command) error {
	viper.Reset()
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return keyerr.Errorf(keyerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is left unset: with it Viper also tries the bare
		// name, which collides with a ./keyrelay binary.
		v.SetConfigName("keyrelay")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/keyrelay")
		v.AddConfigPath("/etc/keyrelay")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return keyerr.Errorf(keyerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return keyerr.Errorf(keyerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}

	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return keyerr.Errorf(keyerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}
	return nil
}

// initLogging installs a text handler on stderr, at debug level with
// --verbose.
func initLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
}

// loadConfig decodes and validates the configuration initViper assembled.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if path := viper.ConfigFileUsed(); path != "" {
		config.WarnInsecurePermissions(slog.Default(), path)
	}
	return cfg, nil
}
