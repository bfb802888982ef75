// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
	"github.com/keyrelay-dev/keyrelay/internal/clock"
	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/server"
	"github.com/keyrelay-dev/keyrelay/internal/store"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

var errDisk = errors.New("disk I/O error")

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// brokenStore fails appends and pings.
type brokenStore struct {
	store.Store
	failAppend bool
	failPing   bool
}

func (b *brokenStore) Append(ctx context.Context, msg *store.Message) error {
	if b.failAppend {
		return errDisk
	}
	return b.Store.Append(ctx, msg)
}

func (b *brokenStore) Ping(ctx context.Context) error {
	if b.failPing {
		return errDisk
	}
	return b.Store.Ping(ctx)
}

func answer(text string) upstream.Client {
	return upstream.ClientFunc(func(context.Context, upstream.Request) (string, error) {
		return text, nil
	})
}

func newChat(t *testing.T, st store.Store, clients ...upstream.Client) *chat.Service {
	t.Helper()
	secrets := make([]string, len(clients))
	for i := range clients {
		secrets[i] = "secret-key-000" + string(rune('a'+i))
	}
	clk := clock.NewManual(fixedNow)
	pool := credential.New(secrets, credential.WithClock(clk), credential.WithLogger(quiet()))
	eng, err := dispatch.New(dispatch.Config{Pool: pool, Clients: clients, Clock: clk, Logger: quiet()})
	require.NoError(t, err)
	return chat.NewService(eng, st,
		chat.WithLogger(quiet()),
		chat.WithNow(func() time.Time { return fixedNow }),
		chat.WithSessionIDs(func() string { return "generated-session" }),
	)
}

func newServer(t *testing.T, svc server.ChatService, mutate ...func(*server.Config)) *server.Server {
	t.Helper()
	cfg := server.Config{ListenAddr: "127.0.0.1:0", Logger: quiet()}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *server.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_Validation(t *testing.T) {
	svc := newChat(t, store.NewMemory(), answer("hi"))

	tests := []struct {
		name string
		cfg  server.Config
		svc  server.ChatService
	}{
		{"missing listen address", server.Config{}, svc},
		{"missing service", server.Config{ListenAddr: ":0"}, nil},
		{"negative rate", server.Config{ListenAddr: ":0", RateLimit: server.RateLimitConfig{RequestsPerSecond: -1}}, svc},
		{"rate without burst", server.Config{ListenAddr: ":0", RateLimit: server.RateLimitConfig{RequestsPerSecond: 2}}, svc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.New(tt.cfg, tt.svc)
			require.Error(t, err)
			assert.True(t, keyerr.HasCode(err, keyerr.CodeServerConfigInvalid))
		})
	}
}

func TestRoutes_SendMessage(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("Paris.")))

	w := do(t, srv, http.MethodPost, "/api/chat", `{"message":"  capital of France?  ","max_tokens":1500}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	reply := decode[chat.Reply](t, w)
	assert.Equal(t, "generated-session", reply.SessionID)
	assert.Equal(t, "Paris.", reply.Reply)
	assert.Equal(t, "normal", reply.Source)
	assert.Equal(t, 0, reply.KeyUsed)
	assert.Equal(t, 1, reply.Attempts)
	assert.Equal(t, 1500, reply.MaxTokens)
	assert.Equal(t, 1, reply.TotalKeys)
	assert.Empty(t, reply.Error)
}

func TestRoutes_SendMessage_RequiresMessage(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("hi")))

	for _, body := range []string{`{}`, `{"message":"   "}`} {
		w := do(t, srv, http.MethodPost, "/api/chat", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), "Message is required")
	}
}

func TestRoutes_SendMessage_PersistenceFault(t *testing.T) {
	st := &brokenStore{Store: store.NewMemory(), failAppend: true}
	srv := newServer(t, newChat(t, st, answer("hi")))

	w := do(t, srv, http.MethodPost, "/api/chat", `{"message":"hello","session_id":"s1"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	reply := decode[chat.Reply](t, w)
	assert.Equal(t, "s1", reply.SessionID)
	assert.Equal(t, chat.SourceServerError, reply.Source)
	assert.Equal(t, "Server error. Please try again.", reply.Reply)
	assert.Equal(t, "Internal server error", reply.Error)
}

func TestRoutes_SessionsAndHistory(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("pong")))

	w := do(t, srv, http.MethodGet, "/api/chat/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/api/chat", `{"message":"ping","session_id":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/chat/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode[[]store.SessionSummary](t, w)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, "ping", sessions[0].Title)
	assert.Equal(t, 2, sessions[0].MessageCount)

	w = do(t, srv, http.MethodGet, "/api/chat/history/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "user", items[0]["role"])
	assert.Equal(t, "ping", items[0]["content"])
	assert.Equal(t, "assistant", items[1]["role"])
	assert.Equal(t, "pong", items[1]["content"])
	for _, it := range items {
		assert.Contains(t, it, "id")
		assert.Contains(t, it, "created_at")
		assert.NotContains(t, it, "session_id")
	}
}

func TestRoutes_DeleteSession(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")))
	do(t, srv, http.MethodPost, "/api/chat", `{"message":"one","session_id":"s1"}`)

	w := do(t, srv, http.MethodDelete, "/api/chat/session/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[chat.DeleteResult](t, w)
	assert.True(t, res.Success)
	assert.EqualValues(t, 2, res.DeletedCount)
	assert.Equal(t, "Deleted 2 messages from session", res.Message)

	w = do(t, srv, http.MethodGet, "/api/chat/history/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRoutes_EditMessage(t *testing.T) {
	st := store.NewMemory()
	srv := newServer(t, newChat(t, st, answer("ok")))
	do(t, srv, http.MethodPost, "/api/chat", `{"message":"typo","session_id":"s1"}`)

	msgs, err := st.History(context.Background(), "s1")
	require.NoError(t, err)
	id := msgs[0].ID

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		want   string
	}{
		{"updated", "/api/chat/message/" + id, `{"content":"  fixed  "}`, http.StatusOK, "Message updated successfully"},
		{"empty content", "/api/chat/message/" + id, `{"content":"  "}`, http.StatusBadRequest, "Content is required"},
		{"missing message", "/api/chat/message/nope", `{"content":"x"}`, http.StatusNotFound, "Message not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}

	msgs, err = st.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "fixed", msgs[0].Content)
}

func TestRoutes_StatusAndResetQuota(t *testing.T) {
	quota := upstream.ClientFunc(func(context.Context, upstream.Request) (string, error) {
		return "", errors.New("429 quota exceeded")
	})
	srv := newServer(t, newChat(t, store.NewMemory(), quota))

	w := do(t, srv, http.MethodGet, "/api/chat/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, chat.StatusOperational, decode[chat.StatusReport](t, w).Status)

	w = do(t, srv, http.MethodPost, "/api/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[chat.Reply](t, w).QuotaExceeded)

	w = do(t, srv, http.MethodGet, "/api/chat/status", "")
	report := decode[chat.StatusReport](t, w)
	assert.Equal(t, chat.StatusQuotaExceeded, report.Status)
	assert.Equal(t, 1, report.QuotaExceededKeys)
	require.Len(t, report.Keys, 1)

	w = do(t, srv, http.MethodPost, "/api/chat/keys/0/reset-quota", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"success":true`)

	w = do(t, srv, http.MethodGet, "/api/chat/status", "")
	assert.Equal(t, chat.StatusOperational, decode[chat.StatusReport](t, w).Status)

	w = do(t, srv, http.MethodPost, "/api/chat/keys/7/reset-quota", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_UpdateConfig(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")))

	// Out-of-range fields are ignored, the rest apply.
	w := do(t, srv, http.MethodPut, "/api/chat/config", `{"max_response_tokens":1200,"temperature":7}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Success bool              `json:"success"`
		Config  dispatch.Settings `json:"config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Success)
	assert.Equal(t, 1200, out.Config.MaxResponseTokens)
	assert.InDelta(t, dispatch.DefaultSettings().Temperature, out.Config.Temperature, 1e-9)
}

func TestRoutes_Health(t *testing.T) {
	tests := []struct {
		name     string
		failPing bool
		want     string
	}{
		{"connected", false, "connected"},
		{"disconnected", true, "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &brokenStore{Store: store.NewMemory(), failPing: tt.failPing}
			srv := newServer(t, newChat(t, st, answer("ok")))

			w := do(t, srv, http.MethodGet, "/health", "")
			require.Equal(t, http.StatusOK, w.Code)
			body := decode[map[string]any](t, w)
			assert.Equal(t, "ok", body["status"])
			assert.Equal(t, tt.want, body["database"])
			assert.Contains(t, body, "timestamp")
		})
	}
}

func TestRoutes_Banner(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")))

	w := do(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, server.Version, body["version"])
	assert.Contains(t, body["endpoints"], "POST /api/chat")
}

func TestRateLimit(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")), func(c *server.Config) {
		c.RateLimit = server.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	})

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:2222").Code)

	w := send("10.0.0.1:3333")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1111").Code)
}

func TestRateLimit_DisabledByDefault(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")))
	for range 20 {
		assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", "").Code)
	}
}

func TestCORS_WildcardOrigin(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.test")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := newServer(t, newChat(t, store.NewMemory(), answer("ok")))

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
