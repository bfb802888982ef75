// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package store_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay-dev/keyrelay/internal/store"
	"github.com/keyrelay-dev/keyrelay/internal/store/storetest"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.Open(store.Config{Backend: "memory"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := store.Open(store.Config{Backend: "etcd"})
	require.Error(t, err)
	assert.True(t, keyerr.HasCode(err, keyerr.CodeStoreBackendUnsupported))
	assert.Contains(t, err.Error(), "etcd")
}

func TestBackendsIncludesMemory(t *testing.T) {
	assert.Contains(t, store.Backends(), "memory")
}

func TestSessionTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: store.DefaultTitle},
		{name: "short", input: "How do I bake bread?", want: "How do I bake bread?"},
		{name: "exactly forty", input: strings.Repeat("a", 40), want: strings.Repeat("a", 40)},
		{name: "long", input: strings.Repeat("b", 41), want: strings.Repeat("b", 40) + "..."},
		{name: "multibyte", input: strings.Repeat("é", 42), want: strings.Repeat("é", 40) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.SessionTitle(tt.input))
		})
	}
}

func TestRoleValid(t *testing.T) {
	assert.True(t, store.RoleUser.Valid())
	assert.True(t, store.RoleAssistant.Valid())
	assert.False(t, store.Role("system").Valid())
}
