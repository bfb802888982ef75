// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package sqlite is the SQLite transcript backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/keyrelay-dev/keyrelay/internal/store"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// DefaultFile is used when the configured path is empty.
const DefaultFile = "keyrelay.db"

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func init() {
	store.RegisterBackend("sqlite", func(cfg store.Config) (store.Store, error) {
		path := cfg.Path
		if path == "" {
			path = DefaultFile
		}
		return Open(path)
	})
}

var _ store.Store = (*Store)(nil)

// Store implements store.Store on a single SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "creating database directory",
				keyerr.Field("path", dir))
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Append(ctx context.Context, msg *store.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Prepare(s.now().UTC())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt),
	)
	if err != nil {
		return keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "inserting message",
			keyerr.FieldSessionID(msg.SessionID))
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at, updated_at FROM (
			SELECT seq, id, session_id, role, content, created_at, updated_at
			FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "querying recent messages",
			keyerr.FieldSessionID(sessionID))
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func (s *Store) History(ctx context.Context, sessionID string) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at, updated_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "querying history",
			keyerr.FieldSessionID(sessionID))
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]*store.SessionSummary, error) {
	if limit <= 0 {
		limit = store.DefaultSessionLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.session_id, MAX(m.created_at) AS last_at, COUNT(*),
			(SELECT f.content FROM messages f
				WHERE f.session_id = m.session_id AND f.role = 'user'
				ORDER BY f.created_at ASC, f.seq ASC LIMIT 1)
		FROM messages m
		GROUP BY m.session_id
		ORDER BY last_at DESC, m.session_id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "listing sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []*store.SessionSummary
	for rows.Next() {
		var (
			sum       store.SessionSummary
			lastAt    string
			firstUser sql.NullString
		)
		if err := rows.Scan(&sum.SessionID, &lastAt, &sum.MessageCount, &firstUser); err != nil {
			return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "scanning session")
		}
		sum.UpdatedAt = parseTime(lastAt)
		sum.Title = store.DefaultTitle
		if firstUser.Valid {
			sum.Title = store.SessionTitle(firstUser.String)
		}
		out = append(out, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "iterating sessions")
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "deleting session",
			keyerr.FieldSessionID(sessionID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "counting deleted messages")
	}
	return n, nil
}

func (s *Store) UpdateContent(ctx context.Context, messageID, content string) (*store.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, updated_at = ? WHERE id = ?`,
		content, formatTime(s.now().UTC()), messageID,
	)
	if err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "updating message",
			keyerr.FieldMessageID(messageID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, keyerr.New(keyerr.CodeStoreMessageNotFound, "message not found", keyerr.FieldMessageID(messageID))
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, created_at, updated_at FROM messages WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyerr.New(keyerr.CodeStoreMessageNotFound, "message not found", keyerr.FieldMessageID(messageID))
	}
	if err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "reading updated message",
			keyerr.FieldMessageID(messageID))
	}
	return msg, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*store.Message, error) {
	var (
		m                    store.Message
		role                 string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&m.ID, &m.SessionID, &role, &m.Content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Role = store.Role(role)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*store.Message, error) {
	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "scanning message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "iterating messages")
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
