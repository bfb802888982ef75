// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey_Anthropic_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	err := upstream.ValidateKeyWithURL(context.Background(), srv.Client(), upstream.VendorAnthropic, "test-api-key", srv.URL+"/v1/models")
	require.NoError(t, err)
}

func TestValidateKey_Google_UsesQueryKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := upstream.ValidateKeyWithURL(context.Background(), srv.Client(), upstream.VendorGoogle, "g-key", srv.URL+"/v1/models")
	require.NoError(t, err)
}

func TestValidateKey_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		vendor     upstream.Vendor
		statusCode int
		wantCode   keyerr.Code
	}{
		{name: "anthropic 401", vendor: upstream.VendorAnthropic, statusCode: http.StatusUnauthorized, wantCode: keyerr.CodeUpstreamKeyInvalid},
		{name: "openai 403", vendor: upstream.VendorOpenAI, statusCode: http.StatusForbidden, wantCode: keyerr.CodeUpstreamKeyInvalid},
		{name: "google 401", vendor: upstream.VendorGoogle, statusCode: http.StatusUnauthorized, wantCode: keyerr.CodeUpstreamKeyInvalid},
		{name: "openai 500", vendor: upstream.VendorOpenAI, statusCode: http.StatusInternalServerError, wantCode: keyerr.CodeUpstreamKeyCheckFailed},
		{name: "google 429", vendor: upstream.VendorGoogle, statusCode: http.StatusTooManyRequests, wantCode: keyerr.CodeUpstreamKeyCheckFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer srv.Close()

			err := upstream.ValidateKeyWithURL(context.Background(), srv.Client(), tt.vendor, "k", srv.URL)
			require.Error(t, err)
			assert.True(t, keyerr.HasCode(err, tt.wantCode), "got %s", keyerr.CodeOf(err))
		})
	}
}

func TestValidateKey_UnknownVendor(t *testing.T) {
	err := upstream.ValidateKey(context.Background(), nil, upstream.Vendor("acme"), "k")
	require.Error(t, err)
	assert.True(t, keyerr.HasCode(err, keyerr.CodeUpstreamVendorUnknown))
}

func TestValidateKey_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := upstream.ValidateKeyWithURL(context.Background(), nil, upstream.VendorOpenAI, "k", url)
	require.Error(t, err)
	assert.True(t, keyerr.HasCode(err, keyerr.CodeUpstreamKeyCheckFailed))
	assert.True(t, keyerr.IsUpstreamFailure(err))
}

func TestErrorKeepsVendorText(t *testing.T) {
	cause := errors.New("sdk failure")
	err := fmt.Errorf("call: %w", &upstream.Error{
		Vendor:     upstream.VendorGoogle,
		StatusCode: http.StatusTooManyRequests,
		Message:    "Resource has been exhausted (e.g. check quota).",
		Err:        cause,
	})

	assert.Contains(t, err.Error(), "check quota")
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.ErrorIs(t, err, cause)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.HTTPStatus())

	plain := &upstream.Error{Vendor: upstream.VendorOpenAI, Message: "boom"}
	assert.Equal(t, "openai: boom", plain.Error())
}

func TestVendorValid(t *testing.T) {
	for _, v := range upstream.Vendors() {
		assert.True(t, v.Valid())
	}
	assert.False(t, upstream.Vendor("acme").Valid())
}
