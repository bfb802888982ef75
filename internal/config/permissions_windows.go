// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

//go:build windows

package config

import "log/slog"

// WarnInsecurePermissions does nothing on Windows, where ACLs replace mode
// bits.
func WarnInsecurePermissions(logger *slog.Logger, path string) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" {
		logger.Debug("config permission check unsupported on windows", "path", path)
	}
}
