// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// defaultHTTPClient is used by the commands that talk to a running server.
// Tests point it at httptest servers.
var defaultHTTPClient = &http.Client{
	Timeout: 3 * time.Minute,
}

// relayClient provides HTTP access to a running keyrelay server.
type relayClient struct {
	baseURL string
	http    *http.Client
}

func newRelayClient(addr string) *relayClient {
	return &relayClient{
		baseURL: "http://" + addr,
		http:    defaultHTTPClient,
	}
}

// getJSON performs a GET and decodes the JSON response into dest.
func (c *relayClient) getJSON(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, dest)
}

// sendJSON encodes body, sends it with method and decodes the reply into
// dest. A non-2xx reply is still decoded into dest when it is JSON, and
// reported as CodeCLIRequestFailure.
func (c *relayClient) sendJSON(ctx context.Context, method, path string, body, dest any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return keyerr.Errorf(keyerr.CodeCLIRequestFailure, "encoding request: %w", err)
		}
	}
	return c.do(ctx, method, path, &buf, dest)
}

func (c *relayClient) do(ctx context.Context, method, path string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return keyerr.Errorf(keyerr.CodeCLIRequestFailure, "building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return keyerr.New(keyerr.CodeCLIServerNotRunning, "keyrelay is not running (connection refused)")
		}
		return keyerr.Errorf(keyerr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return keyerr.Errorf(keyerr.CodeCLIResponseInvalid, "reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if dest != nil {
			_ = json.Unmarshal(raw, dest)
		}
		return keyerr.Errorf(keyerr.CodeCLIRequestFailure, "server returned status %d: %s", resp.StatusCode, errorDetail(raw))
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return keyerr.Errorf(keyerr.CodeCLIResponseInvalid, "invalid response: %w", err)
	}
	return nil
}

// errorDetail pulls the message out of a problem+json body, falling back
// to the raw text.
func errorDetail(raw []byte) string {
	var problem struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Error != "" {
			return problem.Error
		}
	}
	return string(bytes.TrimSpace(raw))
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
