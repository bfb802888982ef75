// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/server"
	"github.com/keyrelay-dev/keyrelay/internal/store"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec registers every route against a no-op service and returns
// the OpenAPI document huma derives from the handler types.
func generateSpec() ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, stubChat{})
	if err != nil {
		return nil, keyerr.Errorf(keyerr.CodeCLISetupFailure, "creating server: %w", err)
	}
	defer srv.Close()

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

// stubChat satisfies server.ChatService. Its methods are never called.
type stubChat struct{}

func (stubChat) Send(context.Context, chat.SendRequest) (*chat.Reply, error) { return nil, nil }
func (stubChat) Sessions(context.Context) ([]*store.SessionSummary, error) { return nil, nil }
func (stubChat) History(context.Context, string) ([]*store.Message, error) { return nil, nil }
func (stubChat) DeleteSession(context.Context, string) (*chat.DeleteResult, error) {
	return nil, nil
}

func (stubChat) EditMessage(context.Context, string, string) (*chat.EditResult, error) {
	return nil, nil
}
func (stubChat) Status() *chat.StatusReport { return nil }
func (stubChat) UpdateConfig(dispatch.Patch) dispatch.Settings { return dispatch.Settings{} }
func (stubChat) ResetQuota(int) error { return nil }
func (stubChat) Ping(context.Context) error { return nil }
