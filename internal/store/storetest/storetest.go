// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package storetest holds the behaviour suite every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay-dev/keyrelay/internal/store"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// Run exercises a backend. open must return a fresh, empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	t.Run("append assigns id and timestamps", func(t *testing.T) {
		s := open(t)
		msg := &store.Message{SessionID: "s1", Role: store.RoleUser, Content: "hello"}
		require.NoError(t, s.Append(context.Background(), msg))
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
		assert.Equal(t, msg.CreatedAt, msg.UpdatedAt)
	})

	t.Run("append rejects invalid messages", func(t *testing.T) {
		s := open(t)
		tests := []struct {
			name string
			msg  *store.Message
		}{
			{name: "no session", msg: &store.Message{Role: store.RoleUser, Content: "x"}},
			{name: "bad role", msg: &store.Message{SessionID: "s1", Role: "system", Content: "x"}},
		}
		for _, tt := range tests {
			err := s.Append(context.Background(), tt.msg)
			require.Error(t, err, tt.name)
			assert.True(t, keyerr.IsInvalidInput(err), tt.name)
		}
	})

	t.Run("history is chronological and scoped", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		appendAll(t, s,
			&store.Message{SessionID: "s1", Role: store.RoleUser, Content: "q1", CreatedAt: at(1)},
			&store.Message{SessionID: "s2", Role: store.RoleUser, Content: "other", CreatedAt: at(2)},
			&store.Message{SessionID: "s1", Role: store.RoleAssistant, Content: "a1", CreatedAt: at(3)},
			&store.Message{SessionID: "s1", Role: store.RoleUser, Content: "q2", CreatedAt: at(4)},
		)

		got, err := s.History(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "a1", "q2"}, contents(got))
		assert.Equal(t, store.RoleAssistant, got[1].Role)

		none, err := s.History(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("recent keeps the newest window in order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for i := range 7 {
			role := store.RoleUser
			if i%2 == 1 {
				role = store.RoleAssistant
			}
			appendAll(t, s, &store.Message{SessionID: "s1", Role: role, Content: fmt.Sprintf("m%d", i), CreatedAt: at(i)})
		}

		got, err := s.Recent(ctx, "s1", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"m4", "m5", "m6"}, contents(got))

		all, err := s.Recent(ctx, "s1", 50)
		require.NoError(t, err)
		assert.Len(t, all, 7)
	})

	t.Run("sessions list newest first with titles", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		long := strings.Repeat("x", 45)
		appendAll(t, s,
			&store.Message{SessionID: "old", Role: store.RoleUser, Content: "short title", CreatedAt: at(1)},
			&store.Message{SessionID: "old", Role: store.RoleAssistant, Content: "reply", CreatedAt: at(2)},
			&store.Message{SessionID: "new", Role: store.RoleUser, Content: long, CreatedAt: at(5)},
			&store.Message{SessionID: "bot", Role: store.RoleAssistant, Content: "only a reply", CreatedAt: at(3)},
		)

		got, err := s.ListSessions(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)

		assert.Equal(t, "new", got[0].SessionID)
		assert.Equal(t, strings.Repeat("x", 40)+"...", got[0].Title)
		assert.Equal(t, 1, got[0].MessageCount)

		assert.Equal(t, "bot", got[1].SessionID)
		assert.Equal(t, store.DefaultTitle, got[1].Title)

		assert.Equal(t, "old", got[2].SessionID)
		assert.Equal(t, "short title", got[2].Title)
		assert.Equal(t, 2, got[2].MessageCount)
		assert.True(t, got[2].UpdatedAt.Equal(at(2)))

		limited, err := s.ListSessions(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("delete session reports count", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		appendAll(t, s,
			&store.Message{SessionID: "s1", Role: store.RoleUser, Content: "a", CreatedAt: at(1)},
			&store.Message{SessionID: "s1", Role: store.RoleAssistant, Content: "b", CreatedAt: at(2)},
			&store.Message{SessionID: "s2", Role: store.RoleUser, Content: "c", CreatedAt: at(3)},
		)

		n, err := s.DeleteSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		left, err := s.History(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, left)

		other, err := s.History(ctx, "s2")
		require.NoError(t, err)
		assert.Len(t, other, 1)

		n, err = s.DeleteSession(ctx, "s1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("update content", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		msg := &store.Message{SessionID: "s1", Role: store.RoleUser, Content: "typo", CreatedAt: at(1)}
		appendAll(t, s, msg)

		updated, err := s.UpdateContent(ctx, msg.ID, "fixed")
		require.NoError(t, err)
		assert.Equal(t, msg.ID, updated.ID)
		assert.Equal(t, "fixed", updated.Content)
		assert.Equal(t, "s1", updated.SessionID)
		assert.True(t, updated.CreatedAt.Equal(at(1)))

		got, err := s.History(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"fixed"}, contents(got))

		_, err = s.UpdateContent(ctx, "no-such-id", "x")
		require.Error(t, err)
		assert.True(t, keyerr.IsNotFound(err))
	})

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func appendAll(t *testing.T, s store.Store, msgs ...*store.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, s.Append(context.Background(), m))
	}
}

func contents(msgs []*store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
