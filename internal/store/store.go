// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package store defines the chat transcript persistence contract and the
// registry that storage backends add themselves to.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// Role identifies the speaker of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const (
	// DefaultSessionLimit caps ListSessions when no limit is given.
	DefaultSessionLimit = 50

	// DefaultTitle names a session that has no user message yet.
	DefaultTitle = "New Chat"

	titleRunes = 40
)

// Message is one persisted transcript entry.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields every backend requires before insert.
func (m *Message) Validate() error {
	if m == nil {
		return keyerr.New(keyerr.CodeStoreMessageInvalid, "message is nil")
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return keyerr.New(keyerr.CodeStoreMessageInvalid, "message session id is required")
	}
	if !m.Role.Valid() {
		return keyerr.New(keyerr.CodeStoreMessageInvalid, "message role must be user or assistant",
			keyerr.Field("role", string(m.Role)))
	}
	return nil
}

// Prepare fills in the ID and timestamps left empty by the caller.
func (m *Message) Prepare(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
}

// SessionSummary describes one session in a listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store persists chat transcripts. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append inserts msg, assigning an ID and timestamps when unset.
	Append(ctx context.Context, msg *Message) error
	// Recent returns the newest limit messages of a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	// History returns every message of a session, oldest first.
	History(ctx context.Context, sessionID string) ([]*Message, error)
	// ListSessions returns up to limit sessions, most recently active first.
	ListSessions(ctx context.Context, limit int) ([]*SessionSummary, error)
	// DeleteSession removes every message of a session and reports how many.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
	// UpdateContent replaces a message's content.
	UpdateContent(ctx context.Context, messageID, content string) (*Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// SessionTitle derives a listing title from the first user message.
func SessionTitle(firstUserMessage string) string {
	if firstUserMessage == "" {
		return DefaultTitle
	}
	r := []rune(firstUserMessage)
	if len(r) <= titleRunes {
		return firstUserMessage
	}
	return string(r[:titleRunes]) + "..."
}

// Config selects and locates a backend.
type Config struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// Factory opens a backend from cfg.
type Factory func(cfg Config) (Store, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend makes a backend available to Open. Backend packages call
// this from init().
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the store named by cfg.Backend, defaulting to sqlite.
func Open(cfg Config) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "sqlite"
	}

	factoriesMu.RLock()
	f, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, keyerr.Errorf(keyerr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}
	return f(cfg)
}
