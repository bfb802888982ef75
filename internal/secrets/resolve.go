// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package secrets

import (
	"log/slog"
	"strings"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

const scheme = "keyring://"

// IsReference reports whether value is a keyring://service/key reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, scheme)
}

// ParseReference splits keyring://service/key. The key may contain slashes.
func ParseReference(ref string) (service, key string, err error) {
	rest, ok := strings.CutPrefix(ref, scheme)
	if !ok {
		return "", "", keyerr.Errorf(keyerr.CodeSecretInvalidInput, "%q is not a keyring reference", ref)
	}
	service, key, ok = strings.Cut(rest, "/")
	if !ok || service == "" || key == "" {
		return "", "", keyerr.Errorf(keyerr.CodeSecretInvalidInput,
			"malformed keyring reference %q, want keyring://service/key", ref)
	}
	return service, key, nil
}

// Reference builds the keyring:// form of service and key.
func Reference(service, key string) string {
	return scheme + service + "/" + key
}

// Resolve returns value itself unless it is a keyring reference, in which
// case the referenced secret is loaded from st.
func Resolve(st Store, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	service, key, err := ParseReference(value)
	if err != nil {
		return "", err
	}
	secret, err := st.Get(service, key)
	if err != nil {
		return "", keyerr.Wrapf(err, keyerr.CodeSecretResolveFailure, "resolving %s", value)
	}
	return secret, nil
}

// ResolveCredentials resolves every keyring reference in values. A
// reference that cannot be resolved is dropped with a warning, since the
// raw URI would otherwise be sent upstream as a key. The returned slice
// keeps the input order.
func ResolveCredentials(st Store, values []string, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]string, 0, len(values))
	for i, v := range values {
		if !IsReference(v) {
			out = append(out, v)
			continue
		}
		resolved, err := Resolve(st, v)
		if err != nil {
			logger.Warn("dropping unresolvable credential reference",
				"position", i,
				"reference", v,
				"error", err,
			)
			continue
		}
		out = append(out, resolved)
	}
	return out
}
