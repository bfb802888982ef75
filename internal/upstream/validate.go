// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package upstream

import (
	"context"
	"io"
	"net/http"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// validationEndpoint returns the models-list URL and auth headers used to
// check a key without spending generation quota.
func validationEndpoint(vendor Vendor, key string) (string, map[string]string, error) {
	switch vendor {
	case VendorAnthropic:
		return "https://api.anthropic.com/v1/models", map[string]string{
			"x-api-key":         key,
			"anthropic-version": "2023-06-01",
		}, nil
	case VendorOpenAI:
		return "https://api.openai.com/v1/models", map[string]string{
			"Authorization": "Bearer " + key,
		}, nil
	case VendorGoogle:
		// The Generative Language API only accepts the key as a query parameter.
		return "https://generativelanguage.googleapis.com/v1/models?key=" + key, nil, nil
	default:
		return "", nil, keyerr.Errorf(keyerr.CodeUpstreamVendorUnknown, "unknown vendor: %s", vendor)
	}
}

// ValidateKey makes a lightweight call to the vendor's models endpoint to
// confirm the key is accepted.
func ValidateKey(ctx context.Context, client *http.Client, vendor Vendor, key string) error {
	url, headers, err := validationEndpoint(vendor, key)
	if err != nil {
		return err
	}
	return validate(ctx, client, vendor, url, headers)
}

// ValidateKeyWithURL is ValidateKey against an explicit endpoint. An
// empty url falls back to the vendor default.
func ValidateKeyWithURL(ctx context.Context, client *http.Client, vendor Vendor, key, url string) error {
	defURL, headers, err := validationEndpoint(vendor, key)
	if err != nil {
		return err
	}
	if url == "" {
		url = defURL
	} else if vendor == VendorGoogle {
		url += "?key=" + key
	}
	return validate(ctx, client, vendor, url, headers)
}

func validate(ctx context.Context, client *http.Client, vendor Vendor, url string, headers map[string]string) error {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return keyerr.Errorf(keyerr.CodeUpstreamKeyCheckFailed, "building validation request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return keyerr.Errorf(keyerr.CodeUpstreamKeyCheckFailed, "validating %s key: %w", vendor, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return keyerr.Errorf(keyerr.CodeUpstreamKeyInvalid, "invalid %s API key (HTTP %d)", vendor, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return keyerr.Errorf(keyerr.CodeUpstreamKeyCheckFailed, "%s validation failed (HTTP %d)", vendor, resp.StatusCode)
	}
	return nil
}
