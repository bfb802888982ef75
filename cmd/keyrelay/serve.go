// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keyrelay HTTP server",
		Long:  "Load configuration, resolve API keys, open the transcript store and serve the chat API until interrupted.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	cmd.Flags().String("storage", "", "override storage backend (sqlite, memory)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	if err := v.BindPFlag("networking.listen", cmd.Flags().Lookup("listen")); err != nil {
		return keyerr.Errorf(keyerr.CodeCLISetupFailure, "binding listen flag: %w", err)
	}
	if err := v.BindPFlag("storage.backend", cmd.Flags().Lookup("storage")); err != nil {
		return keyerr.Errorf(keyerr.CodeCLISetupFailure, "binding storage flag: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	relay, err := WireRelay(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() { _ = relay.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	counts := relay.Engine.Pool().Counts()
	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "keyrelay listening on %s (%d of %d keys usable)\n",
		cfg.Networking.Listen, counts.Available, counts.Total); err != nil {
		return err
	}
	return relay.Start(ctx)
}
