// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/store"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

var endpoints = []string{
	"POST /api/chat",
	"GET /api/chat/sessions",
	"GET /api/chat/history/{sessionId}",
	"DELETE /api/chat/session/{sessionId}",
	"PUT /api/chat/message/{messageId}",
	"GET /api/chat/status",
	"PUT /api/chat/config",
	"POST /api/chat/keys/{index}/reset-quota",
	"GET /health",
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/chat",
		Summary:     "Send a chat message",
		Tags:        []string{"chat"},
	}, s.handleSendMessage)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/chat/sessions",
		Summary:     "List recent sessions",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/api/chat/history/{sessionId}",
		Summary:     "Get a session transcript",
		Tags:        []string{"sessions"},
	}, s.handleHistory)

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/api/chat/session/{sessionId}",
		Summary:     "Delete a session",
		Tags:        []string{"sessions"},
	}, s.handleDeleteSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "edit-message",
		Method:      http.MethodPut,
		Path:        "/api/chat/message/{messageId}",
		Summary:     "Edit a stored message",
		Tags:        []string{"sessions"},
	}, s.handleEditMessage)

	huma.Register(s.api, huma.Operation{
		OperationID: "key-status",
		Method:      http.MethodGet,
		Path:        "/api/chat/status",
		Summary:     "Credential pool status",
		Tags:        []string{"keys"},
	}, s.handleStatus)

	huma.Register(s.api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPut,
		Path:        "/api/chat/config",
		Summary:     "Update runtime settings",
		Tags:        []string{"config"},
	}, s.handleUpdateConfig)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-quota",
		Method:      http.MethodPost,
		Path:        "/api/chat/keys/{index}/reset-quota",
		Summary:     "Clear a credential's quota flag",
		Tags:        []string{"keys"},
	}, s.handleResetQuota)

	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and database check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "banner",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Service banner",
		Tags:        []string{"system"},
	}, s.handleBanner)
}

// --- Request/Response types for huma ---

// Body fields are optional at the schema level so that missing values get
// the service's own 400 rather than a schema 422.
type sendMessageInput struct {
	Body struct {
		Message   string `json:"message,omitempty" doc:"User message"`
		SessionID string `json:"session_id,omitempty" doc:"Existing session; a new one is created when empty"`
		MaxTokens *int   `json:"max_tokens,omitempty" doc:"Output token ceiling for this and later calls"`
	}
}
type sendMessageOutput struct {
	Status int
	Body   *chat.Reply
}

type listSessionsOutput struct {
	Body []*store.SessionSummary
}

type sessionInput struct {
	SessionID string `path:"sessionId"`
}

type historyItem struct {
	ID        string     `json:"id"`
	Role      store.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}
type historyOutput struct {
	Body []historyItem
}

type deleteSessionOutput struct {
	Body *chat.DeleteResult
}

type editMessageInput struct {
	MessageID string `path:"messageId"`
	Body      struct {
		Content string `json:"content,omitempty" doc:"Replacement content"`
	}
}
type editMessageOutput struct {
	Body *chat.EditResult
}

type statusOutput struct {
	Body *chat.StatusReport
}

type updateConfigInput struct {
	Body dispatch.Patch
}
type updateConfigOutput struct {
	Body struct {
		Success bool              `json:"success"`
		Config  dispatch.Settings `json:"config"`
	}
}

type resetQuotaInput struct {
	Index int `path:"index" doc:"Credential index"`
}
type resetQuotaOutput struct {
	Body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Index   int    `json:"index"`
	}
}

type healthOutput struct {
	Body struct {
		Status    string    `json:"status" example:"ok"`
		Timestamp time.Time `json:"timestamp"`
		Database  string    `json:"database" example:"connected"`
	}
}

type bannerOutput struct {
	Body struct {
		Message   string   `json:"message"`
		Version   string   `json:"version"`
		Endpoints []string `json:"endpoints"`
	}
}

// --- Handlers ---

func (s *Server) handleSendMessage(ctx context.Context, input *sendMessageInput) (*sendMessageOutput, error) {
	reply, err := s.svc.Send(ctx, chat.SendRequest{
		Message:   input.Body.Message,
		SessionID: input.Body.SessionID,
		MaxTokens: input.Body.MaxTokens,
	})
	if err != nil {
		if reply != nil {
			// Persistence fault: the safe reply still goes out, with a 500.
			return &sendMessageOutput{Status: http.StatusInternalServerError, Body: reply}, nil
		}
		return nil, s.apiError("sending message", err)
	}
	return &sendMessageOutput{Status: http.StatusOK, Body: reply}, nil
}

func (s *Server) handleListSessions(ctx context.Context, _ *struct{}) (*listSessionsOutput, error) {
	sessions, err := s.svc.Sessions(ctx)
	if err != nil {
		return nil, s.apiError("listing sessions", err)
	}
	if sessions == nil {
		sessions = []*store.SessionSummary{}
	}
	return &listSessionsOutput{Body: sessions}, nil
}

func (s *Server) handleHistory(ctx context.Context, input *sessionInput) (*historyOutput, error) {
	msgs, err := s.svc.History(ctx, input.SessionID)
	if err != nil {
		return nil, s.apiError("loading history", err)
	}
	items := make([]historyItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, historyItem{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return &historyOutput{Body: items}, nil
}

func (s *Server) handleDeleteSession(ctx context.Context, input *sessionInput) (*deleteSessionOutput, error) {
	res, err := s.svc.DeleteSession(ctx, input.SessionID)
	if err != nil {
		return nil, s.apiError("deleting session", err)
	}
	return &deleteSessionOutput{Body: res}, nil
}

func (s *Server) handleEditMessage(ctx context.Context, input *editMessageInput) (*editMessageOutput, error) {
	res, err := s.svc.EditMessage(ctx, input.MessageID, input.Body.Content)
	if err != nil {
		if keyerr.IsNotFound(err) {
			return nil, huma.Error404NotFound("Message not found")
		}
		return nil, s.apiError("editing message", err)
	}
	return &editMessageOutput{Body: res}, nil
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*statusOutput, error) {
	return &statusOutput{Body: s.svc.Status()}, nil
}

func (s *Server) handleUpdateConfig(_ context.Context, input *updateConfigInput) (*updateConfigOutput, error) {
	out := &updateConfigOutput{}
	out.Body.Success = true
	out.Body.Config = s.svc.UpdateConfig(input.Body)
	return out, nil
}

func (s *Server) handleResetQuota(_ context.Context, input *resetQuotaInput) (*resetQuotaOutput, error) {
	if err := s.svc.ResetQuota(input.Index); err != nil {
		if keyerr.HasCode(err, keyerr.CodeCredentialIndexInvalid) {
			return nil, huma.Error404NotFound("Key not found")
		}
		return nil, s.apiError("resetting quota", err)
	}
	out := &resetQuotaOutput{}
	out.Body.Success = true
	out.Body.Message = "Quota flag cleared"
	out.Body.Index = input.Index
	return out, nil
}

func (s *Server) handleHealth(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	out := &healthOutput{}
	out.Body.Status = "ok"
	out.Body.Timestamp = s.now().UTC()
	out.Body.Database = "connected"
	if err := s.svc.Ping(ctx); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		out.Body.Database = "disconnected"
	}
	return out, nil
}

func (s *Server) handleBanner(_ context.Context, _ *struct{}) (*bannerOutput, error) {
	out := &bannerOutput{}
	out.Body.Message = "keyrelay chat backend"
	out.Body.Version = Version
	out.Body.Endpoints = endpoints
	return out, nil
}

// apiError maps a coded error onto a huma status error. Server-side
// failures are logged and reported without detail.
func (s *Server) apiError(op string, err error) error {
	status := keyerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "code", keyerr.CodeOf(err), "fields", keyerr.FieldsOf(err), "error", err)
		return huma.NewError(status, "Internal server error")
	}
	return huma.NewError(status, err.Error())
}
