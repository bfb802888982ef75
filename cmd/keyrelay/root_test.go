// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// execute runs the CLI with an isolated HOME and no legacy key variables.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, name := range []string{"GEMINI_API_KEY", "GEMINI_API_KEY_1", "GEMINI_API_KEY_2", "GEMINI_API_KEY_3", "MAX_RESPONSE_TOKENS"} {
		t.Setenv(name, "")
	}

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "", "--help")
	require.NoError(t, err)
	for _, want := range []string{"keyrelay", "serve", "status", "chat", "keys", "config", "secret", "version", "--config", "--verbose"} {
		assert.Contains(t, out, want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "keyrelay dev")
	assert.Contains(t, out, "commit:   unknown")
	assert.Contains(t, out, "go:       go")

	out, err = execute(t, "", "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestServeCommand_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "", "serve", "--config", "/nonexistent/keyrelay.yaml")
	require.Error(t, err)
	assert.True(t, keyerr.HasCode(err, keyerr.CodeConfigLoadReadFailure))
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "upstream:\n  vendor: nobody\n")
	_, err := execute(t, "", "serve", "--config", path)
	require.Error(t, err)
	assert.True(t, keyerr.HasCode(err, keyerr.CodeConfigValidateInvalidValue))
	assert.Contains(t, err.Error(), "vendor")
}

func TestBootstrapsDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"config", "show"})
	require.NoError(t, root.Execute())

	_, err := os.Stat(filepath.Join(home, ".config", "keyrelay", "keyrelay.yaml"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "loaded from")
	assert.Contains(t, buf.String(), "gemini-2.5-flash")
}

func TestConfigShow_MasksKeys(t *testing.T) {
	path := writeConfig(t, `
upstream:
  api_keys:
    - sk-live-abcdefghijkl
    - keyring://keyrelay/backup
dispatch:
  backoff: 2s
`)
	out, err := execute(t, "", "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "****ijkl")
	assert.NotContains(t, out, "sk-live-abcdefghijkl")
	assert.Contains(t, out, "keyring://keyrelay/backup")
	assert.Contains(t, out, "backoff: 2s")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keyrelay.yaml")

	out, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default config")

	out, err = execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}
