// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/keyrelay-dev/keyrelay/internal/config"
	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/secrets"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with keys masked",
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration file",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runConfigInit,
		},
	)

	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	masked := *cfg
	masked.Upstream.APIKeys = make([]string, len(cfg.Upstream.APIKeys))
	for i, k := range cfg.Upstream.APIKeys {
		if secrets.IsReference(k) {
			masked.Upstream.APIKeys[i] = k
			continue
		}
		masked.Upstream.APIKeys[i] = credential.Mask(k)
	}

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return keyerr.Errorf(keyerr.CodeCLISetupFailure, "encoding config: %w", err)
	}

	out := cmd.OutOrStdout()
	if path := viper.ConfigFileUsed(); path != "" {
		_, _ = fmt.Fprintf(out, "# loaded from %s\n", path)
	} else {
		_, _ = fmt.Fprintln(out, "# using defaults (no config file found)")
	}
	_, err = out.Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return keyerr.Errorf(keyerr.CodeCLISetupFailure, "resolving config path: %w", err)
		}
		path = p
	}

	wrote, err := config.WriteDefault(path)
	if err != nil {
		return err
	}
	if !wrote {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", path)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
	return err
}
