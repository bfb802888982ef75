// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

//go:build !windows

package config

import (
	"log/slog"
	"os"
)

// WarnInsecurePermissions warns when the config file at path is readable
// by group or others. Literal API keys may live in that file. It never
// fails startup.
func WarnInsecurePermissions(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Debug("skipping config permission check", "path", path, "error", err)
		return
	}

	if perm := info.Mode().Perm(); perm&0o044 != 0 {
		logger.Warn("config file is readable by other users; api keys in it may be exposed",
			"path", path,
			"mode", perm.String(),
			"recommended", "0600",
		)
	}
}
