// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/secrets"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage API keys stored in the OS keyring",
		Long: "Store API keys in the operating system keyring and reference them from the config as " +
			"keyring://" + secrets.DefaultService + "/<name>.",
	}

	cmd.PersistentFlags().String("service", secrets.DefaultService, "keyring service name")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name> [value]",
			Short: "Store a secret; the value is read from stdin when omitted",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runSecretSet,
		},
		newSecretGetCmd(),
		&cobra.Command{
			Use:   "list",
			Short: "List all stored secret names",
			RunE:  runSecretList,
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a secret by name",
			Args:  cobra.ExactArgs(1),
			RunE:  runSecretDelete,
		},
	)

	return cmd
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a secret, masked unless --reveal is given",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
	cmd.Flags().Bool("reveal", false, "print the full value")
	return cmd
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	name := args[0]

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			value = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return keyerr.Errorf(keyerr.CodeCLIInputInvalid, "reading secret from stdin: %w", err)
		}
	}
	value = strings.TrimSpace(value)

	if err := secretStoreFactory().Set(service, name, value); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %s; reference it as %s\n", name, secrets.Reference(service, name))
	return err
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	reveal, _ := cmd.Flags().GetBool("reveal")

	value, err := secretStoreFactory().Get(service, args[0])
	if err != nil {
		return err
	}
	if !reveal {
		value = credential.Mask(value)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
	return err
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	service, _ := cmd.Flags().GetString("service")
	keys, err := secretStoreFactory().List(service)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}

	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	service, _ := cmd.Flags().GetString("service")
	name := args[0]

	if err := secretStoreFactory().Delete(service, name); err != nil {
		if keyerr.IsNotFound(err) {
			return keyerr.Errorf(keyerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}
