// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package chat is the request boundary in front of the dispatch engine. It
// validates input, sequences transcript persistence around each dispatch
// and turns internal faults into a fixed safe reply.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/store"
	"github.com/keyrelay-dev/keyrelay/internal/telemetry"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
	"github.com/keyrelay-dev/keyrelay/pkg/health"
)

// SourceServerError tags a reply produced after an internal fault.
const SourceServerError = "server_error"

const (
	serverErrorReply = "Server error. Please try again."
	serverErrorText  = "Internal server error"
)

// Status values reported by Service.Status.
const (
	StatusOperational   = "operational"
	StatusQuotaExceeded = "quota_exceeded"
	StatusUnavailable   = "unavailable"
)

// Engine is the dispatch surface the service needs. *dispatch.Engine
// satisfies it.
type Engine interface {
	Send(ctx context.Context, message string, history []upstream.Message) dispatch.Outcome
	Pool() *credential.Pool
	Runtime() *dispatch.Runtime
	Telemetry() *telemetry.Recorder
}

// SendRequest is one inbound chat message.
type SendRequest struct {
	Message   string
	SessionID string
	// MaxTokens, when set, is applied to the runtime settings before the
	// dispatch. Out-of-range values are ignored.
	MaxTokens *int
}

// Reply is the result of Send.
type Reply struct {
	SessionID     string    `json:"session_id"`
	Reply         string    `json:"reply"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	KeyUsed       int       `json:"key_used"`
	Attempts      int       `json:"attempts"`
	QuotaExceeded bool      `json:"quota_exceeded"`
	Truncated     bool      `json:"truncated"`
	MaxTokens     int       `json:"max_tokens"`
	AvailableKeys int       `json:"available_keys"`
	TotalKeys     int       `json:"total_keys"`
	Error         string    `json:"error,omitempty"`
}

// DeleteResult reports a session deletion.
type DeleteResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DeletedCount int64  `json:"deleted_count"`
	SessionID    string `json:"session_id"`
}

// EditResult reports a message edit.
type EditResult struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	UpdatedMessage *store.Message `json:"updated_message"`
}

// StatusReport is the pool health view.
type StatusReport struct {
	Status            string              `json:"status"`
	Timestamp         time.Time           `json:"timestamp"`
	TotalKeys         int                 `json:"total_keys"`
	AvailableKeys     int                 `json:"available_keys"`
	QuotaExceededKeys int                 `json:"quota_exceeded_keys"`
	DisabledKeys      int                 `json:"disabled_keys"`
	Keys              []health.Credential `json:"keys"`
	Usage             health.Usage        `json:"usage"`
	Attempts          []health.Attempts   `json:"attempts"`
	Settings          dispatch.Settings   `json:"settings"`
}

// Service ties the engine to a transcript store.
type Service struct {
	engine Engine
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNow overrides the reply timestamp source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(engine Engine, st store.Store, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send handles one user message. A validation failure returns an error and
// no reply. A persistence fault returns both the safe server-error reply
// and the wrapped store error; uncoded store errors get
// CodeChatPersistFailure.
// A per-request MaxTokens updates the shared runtime setting, so values
// outside the config range [100, 8192] are ignored rather than applied.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Reply, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, keyerr.New(keyerr.CodeChatMessageInvalid, "Message is required")
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = s.newID()
	}

	rt := s.engine.Runtime()
	if req.MaxTokens != nil {
		rt.Update(dispatch.Patch{MaxResponseTokens: req.MaxTokens})
	}

	recent, err := s.store.Recent(ctx, sessionID, rt.Get().MaxHistoryMessages)
	if err != nil {
		return s.fault(sessionID, "loading history", err)
	}

	userMsg := &store.Message{SessionID: sessionID, Role: store.RoleUser, Content: message}
	if err := s.store.Append(ctx, userMsg); err != nil {
		return s.fault(sessionID, "saving user message", err)
	}

	out := s.engine.Send(ctx, message, toUpstream(recent))

	reply := &store.Message{SessionID: sessionID, Role: store.RoleAssistant, Content: out.ReplyText}
	if err := s.store.Append(ctx, reply); err != nil {
		return s.fault(sessionID, "saving assistant reply", err)
	}

	s.logger.Info("chat reply sent",
		"session_id", sessionID,
		"source", out.Source,
		"credential", out.CredentialUsed,
		"attempts", out.Attempts,
		"truncated", out.Truncated,
	)

	return &Reply{
		SessionID:     sessionID,
		Reply:         out.ReplyText,
		Timestamp:     s.now().UTC(),
		Source:        string(out.Source),
		KeyUsed:       out.CredentialUsed,
		Attempts:      out.Attempts,
		QuotaExceeded: out.QuotaExceeded,
		Truncated:     out.Truncated,
		MaxTokens:     out.MaxTokens,
		AvailableKeys: out.AvailableCredentials,
		TotalKeys:     out.TotalCredentials,
	}, nil
}

func (s *Service) fault(sessionID, step string, err error) (*Reply, error) {
	s.logger.Error("chat persistence failed", "session_id", sessionID, "step", step, "error", err)
	reply := &Reply{
		SessionID: sessionID,
		Reply:     serverErrorReply,
		Timestamp: s.now().UTC(),
		Source:    SourceServerError,
		KeyUsed:   -1,
		Error:     serverErrorText,
	}
	return reply, keyerr.Wrap(err, keyerr.CodeChatPersistFailure, step, keyerr.FieldSessionID(sessionID))
}

// Sessions lists the most recently active sessions.
func (s *Service) Sessions(ctx context.Context) ([]*store.SessionSummary, error) {
	return s.store.ListSessions(ctx, store.DefaultSessionLimit)
}

// History returns a session's transcript, oldest first.
func (s *Service) History(ctx context.Context, sessionID string) ([]*store.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, keyerr.New(keyerr.CodeChatMessageInvalid, "session id is required")
	}
	msgs, err := s.store.History(ctx, sessionID)
	if err != nil {
		return nil, keyerr.With(err, keyerr.FieldSessionID(sessionID))
	}
	return msgs, nil
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) (*DeleteResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, keyerr.New(keyerr.CodeChatMessageInvalid, "session id is required")
	}
	n, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return nil, keyerr.With(err, keyerr.FieldSessionID(sessionID))
	}
	s.logger.Info("session deleted", "session_id", sessionID, "deleted", n)
	return &DeleteResult{
		Success:      true,
		Message:      fmt.Sprintf("Deleted %d messages from session", n),
		DeletedCount: n,
		SessionID:    sessionID,
	}, nil
}

// EditMessage replaces a stored message's content.
func (s *Service) EditMessage(ctx context.Context, messageID, content string) (*EditResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, keyerr.New(keyerr.CodeChatMessageInvalid, "Content is required")
	}
	msg, err := s.store.UpdateContent(ctx, messageID, content)
	if err != nil {
		return nil, keyerr.With(err, keyerr.FieldMessageID(messageID))
	}
	return &EditResult{
		Success:        true,
		Message:        "Message updated successfully",
		UpdatedMessage: msg,
	}, nil
}

// Status reports pool health, usage and the current settings.
func (s *Service) Status() *StatusReport {
	pool := s.engine.Pool()
	counts := pool.Counts()

	status := StatusUnavailable
	switch {
	case counts.Available > 0:
		status = StatusOperational
	case counts.QuotaExceeded > 0:
		status = StatusQuotaExceeded
	}

	return &StatusReport{
		Status:            status,
		Timestamp:         s.now().UTC(),
		TotalKeys:         counts.Total,
		AvailableKeys:     counts.Available,
		QuotaExceededKeys: counts.QuotaExceeded,
		DisabledKeys:      counts.Disabled,
		Keys:              pool.Snapshot(),
		Usage:             s.engine.Telemetry().Counters(),
		Attempts:          s.engine.Telemetry().Attempts(),
		Settings:          s.engine.Runtime().Get(),
	}
}

// UpdateConfig applies p and returns the resulting settings.
func (s *Service) UpdateConfig(p dispatch.Patch) dispatch.Settings {
	before := s.engine.Runtime().Get()
	after := s.engine.Runtime().Update(p)
	if before != after {
		s.logger.Info("runtime settings updated",
			"max_response_tokens", after.MaxResponseTokens,
			"max_history_messages", after.MaxHistoryMessages,
			"temperature", after.Temperature,
		)
	}
	return after
}

// ResetQuota clears the quota flag of one credential.
func (s *Service) ResetQuota(index int) error {
	return s.engine.Pool().ResetQuota(index)
}

// Ping checks the transcript store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func toUpstream(msgs []*store.Message) []upstream.Message {
	out := make([]upstream.Message, 0, len(msgs))
	for _, m := range msgs {
		role := upstream.RoleUser
		if m.Role == store.RoleAssistant {
			role = upstream.RoleAssistant
		}
		out = append(out, upstream.Message{Role: role, Content: m.Content})
	}
	return out
}
