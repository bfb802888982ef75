// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
	"github.com/keyrelay-dev/keyrelay/pkg/health"
)

// --- lipgloss styles ---

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show key pool status",
		Long:  "Query a running server's status endpoint and show key health, usage and runtime settings.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", defaultAddress, "server address to check")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	var report chat.StatusReport
	if err := newRelayClient(addr).getJSON(cmd.Context(), "/api/chat/status", &report); err != nil {
		if keyerr.HasCode(err, keyerr.CodeCLIServerNotRunning) {
			_, _ = fmt.Fprintf(out, "keyrelay at %s is not running (connection refused)\n", addr)
			return nil
		}
		_, _ = fmt.Fprintf(out, "keyrelay at %s: %s\n", addr, err)
		return nil
	}

	_, err := fmt.Fprintln(out, renderStatus(addr, &report))
	return err
}

func renderStatus(addr string, r *chat.StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("keyrelay"), dimStyle.Render(addr))
	fmt.Fprintf(&b, "status: %s\n", statusStyle(r.Status).Render(r.Status))
	fmt.Fprintf(&b, "keys:   %d available, %d quota exceeded, %d disabled, %d total\n",
		r.AvailableKeys, r.QuotaExceededKeys, r.DisabledKeys, r.TotalKeys)
	fmt.Fprintf(&b, "usage:  %d requests, %d ok, %d failed (%.1f%% success)\n",
		r.Usage.TotalRequests, r.Usage.SuccessfulRequests, r.Usage.FailedRequests, r.Usage.SuccessRate)
	fmt.Fprintf(&b, "limits: max_tokens=%d history=%d temperature=%.2f timeout=%s",
		r.Settings.MaxResponseTokens, r.Settings.MaxHistoryMessages, r.Settings.Temperature, r.Settings.RequestTimeout)

	if len(r.Keys) > 0 {
		var keys strings.Builder
		for i, k := range r.Keys {
			if i > 0 {
				keys.WriteByte('\n')
			}
			writeKeyLine(&keys, k)
		}
		b.WriteByte('\n')
		b.WriteString(boxStyle.Render(keys.String()))
	}
	return b.String()
}

func writeKeyLine(w io.Writer, k health.Credential) {
	state := successStyle.Render("available")
	switch {
	case k.Revoked:
		state = errorStyle.Render("revoked")
	case k.QuotaExceeded:
		state = warnStyle.Render("quota exceeded")
	case !k.Available:
		state = warnStyle.Render("cooling down")
	}
	fmt.Fprintf(w, "#%d %s  %s  ok=%d errors=%d", k.Index, k.Label, state, k.SuccessCount, k.ErrorCount)
	if k.LastError != nil {
		fmt.Fprintf(w, "  %s", dimStyle.Render(*k.LastError))
	}
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case chat.StatusOperational:
		return successStyle
	case chat.StatusQuotaExceeded:
		return warnStyle
	default:
		return errorStyle
	}
}
