// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// keyCheckClient is the HTTP client used for key validation. Tests replace it.
var keyCheckClient = &http.Client{Timeout: 10 * time.Second}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and manage the configured API keys",
	}

	cmd.AddCommand(
		newKeysCheckCmd(),
		newKeysResetCmd(),
	)

	return cmd
}

func newKeysCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate every configured key against its vendor",
		Long:  "Call the vendor's models endpoint once per configured key. No generation quota is spent.",
		RunE:  runKeysCheck,
	}

	cmd.Flags().String("url", "", "override the validation endpoint")

	return cmd
}

func newKeysResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <index>",
		Short: "Clear a key's quota flag on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runKeysReset,
	}

	cmd.Flags().String("address", defaultAddress, "server address")

	return cmd
}

func runKeysCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url, _ := cmd.Flags().GetString("url")
	out := cmd.OutOrStdout()

	keys := resolveKeys(cfg, slog.Default())
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No API keys configured.")
		return nil
	}

	vendor := upstream.Vendor(cfg.Upstream.Vendor)
	rejected, unreachable := 0, 0
	for i, key := range keys {
		err := upstream.ValidateKeyWithURL(cmd.Context(), keyCheckClient, vendor, key, url)
		status := successStyle.Render("ok")
		switch {
		case err == nil:
		case keyerr.IsUpstreamFailure(err):
			unreachable++
			status = warnStyle.Render(err.Error())
		default:
			rejected++
			status = errorStyle.Render(err.Error())
		}
		_, _ = fmt.Fprintf(out, "key %d %s: %s\n", i, credential.Mask(key), status)
	}

	failed := rejected + unreachable
	switch {
	case rejected == len(keys):
		return keyerr.Errorf(keyerr.CodeCredentialNoneUsable, "all %d %s keys were rejected", len(keys), vendor)
	case failed > 0:
		return keyerr.Errorf(keyerr.CodeCLIRequestFailure, "%d of %d %s keys failed validation (%d rejected, %d unreachable)",
			failed, len(keys), vendor, rejected, unreachable)
	}
	return nil
}

func runKeysReset(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 0 {
		return keyerr.Errorf(keyerr.CodeCLIInputInvalid, "key index must be a non-negative integer, got %q", args[0])
	}
	addr, _ := cmd.Flags().GetString("address")

	path := fmt.Sprintf("/api/chat/keys/%d/reset-quota", index)
	if err := newRelayClient(addr).sendJSON(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Cleared quota flag on key %d\n", index)
	return err
}
