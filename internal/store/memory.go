// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func init() {
	RegisterBackend("memory", func(Config) (Store, error) { return NewMemory(), nil })
}

var _ Store = (*Memory)(nil)

// Memory is a process-local Store. Ties on CreatedAt keep insertion order.
type Memory struct {
	mu       sync.RWMutex
	messages []*Message
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Append(_ context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Prepare(m.now().UTC())
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *Memory) Recent(_ context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sessionLocked(sessionID)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *Memory) History(_ context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionLocked(sessionID), nil
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]*SessionSummary, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}

	m.mu.RLock()
	byID := map[string]*SessionSummary{}
	firstUser := map[string]*Message{}
	for _, msg := range m.messages {
		s, ok := byID[msg.SessionID]
		if !ok {
			s = &SessionSummary{SessionID: msg.SessionID}
			byID[msg.SessionID] = s
		}
		s.MessageCount++
		if msg.CreatedAt.After(s.UpdatedAt) {
			s.UpdatedAt = msg.CreatedAt
		}
		if msg.Role != RoleUser {
			continue
		}
		if f, seen := firstUser[msg.SessionID]; !seen || msg.CreatedAt.Before(f.CreatedAt) {
			firstUser[msg.SessionID] = msg
		}
	}
	out := make([]*SessionSummary, 0, len(byID))
	for id, s := range byID {
		s.Title = DefaultTitle
		if f, ok := firstUser[id]; ok {
			s.Title = SessionTitle(f.Content)
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.messages[:0]
	var n int64
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	clear(m.messages[len(kept):])
	m.messages = kept
	return n, nil
}

func (m *Memory) UpdateContent(_ context.Context, messageID, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.ID == messageID {
			msg.Content = content
			msg.UpdatedAt = m.now().UTC()
			cp := *msg
			return &cp, nil
		}
	}
	return nil, keyerr.New(keyerr.CodeStoreMessageNotFound, "message not found", keyerr.FieldMessageID(messageID))
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) sessionLocked(sessionID string) []*Message {
	var out []*Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
