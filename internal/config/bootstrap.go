// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package config

import (
	_ "embed"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

//go:embed keyrelay.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/keyrelay/keyrelay.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", keyerr.Wrap(err, keyerr.CodeConfigLoadReadFailure, "resolving home directory")
	}
	return filepath.Join(home, ".config", "keyrelay", "keyrelay.yaml"), nil
}

// WriteDefault writes the commented default config to path unless a file
// is already there. It reports whether it wrote one.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, keyerr.Wrap(err, keyerr.CodeConfigLoadReadFailure, "checking config path", keyerr.Field("path", path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, keyerr.Wrap(err, keyerr.CodeConfigLoadReadFailure, "creating config directory", keyerr.Field("path", path))
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		return false, keyerr.Wrap(err, keyerr.CodeConfigLoadReadFailure, "writing default config", keyerr.Field("path", path))
	}
	return true, nil
}

// BootstrapConfig writes the default config to DefaultConfigPath when no
// file exists there. It returns the written path, or "" when nothing was
// written. Failures are logged, not returned.
func BootstrapConfig() string {
	path, err := DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}
	wrote, err := WriteDefault(path)
	if err != nil {
		slog.Debug("skipping config bootstrap", "path", path, "error", err)
		return ""
	}
	if !wrote {
		return ""
	}
	slog.Info("created default config", "path", path)
	return path
}
