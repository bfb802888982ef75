// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
)

const quitCommand = "/quit"

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat through a running server",
		Long:  "Send a message to a running keyrelay server. Starts an interactive session if no message is provided; type /quit to leave.",
		RunE:  runChat,
	}

	cmd.Flags().String("address", defaultAddress, "server address")
	cmd.Flags().StringP("session", "s", "", "resume existing session by ID")
	cmd.Flags().Int("max-tokens", 0, "output token ceiling (applies to later calls too)")

	return cmd
}

type chatSession struct {
	client    *relayClient
	sessionID string
	maxTokens *int
	out       io.Writer
}

func runChat(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("address")
	sessionID, _ := cmd.Flags().GetString("session")

	s := &chatSession{
		client:    newRelayClient(addr),
		sessionID: sessionID,
		out:       cmd.OutOrStdout(),
	}
	if cmd.Flags().Changed("max-tokens") {
		n, _ := cmd.Flags().GetInt("max-tokens")
		s.maxTokens = &n
	}

	if len(args) > 0 {
		return s.send(cmd.Context(), strings.Join(args, " "))
	}
	return s.interactive(cmd.Context(), cmd.InOrStdin())
}

func (s *chatSession) interactive(ctx context.Context, in io.Reader) error {
	_, _ = fmt.Fprintln(s.out, dimStyle.Render("Type a message, "+quitCommand+" to leave."))
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case quitCommand:
			return nil
		}
		if err := s.send(ctx, line); err != nil {
			_, _ = fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
		}
	}
}

func (s *chatSession) send(ctx context.Context, message string) error {
	var reply chat.Reply
	err := s.client.sendJSON(ctx, http.MethodPost, "/api/chat", chatRequest{
		Message:   message,
		SessionID: s.sessionID,
		MaxTokens: s.maxTokens,
	}, &reply)
	if err != nil {
		return err
	}
	// Only the first message carries the override.
	s.maxTokens = nil
	s.sessionID = reply.SessionID

	_, _ = fmt.Fprintln(s.out, reply.Reply)
	meta := fmt.Sprintf("session %s, key %d, %d attempt(s), source %s", reply.SessionID, reply.KeyUsed, reply.Attempts, reply.Source)
	if reply.Truncated {
		meta += ", truncated"
	}
	_, err = fmt.Fprintln(s.out, dimStyle.Render(meta))
	return err
}
