// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package server exposes the chat service over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/store"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// Version is reported by the banner and the OpenAPI document.
var Version = "0.1.0"

// ChatService is what the routes call into. *chat.Service satisfies it.
type ChatService interface {
	Send(ctx context.Context, req chat.SendRequest) (*chat.Reply, error)
	Sessions(ctx context.Context) ([]*store.SessionSummary, error)
	History(ctx context.Context, sessionID string) ([]*store.Message, error)
	DeleteSession(ctx context.Context, sessionID string) (*chat.DeleteResult, error)
	EditMessage(ctx context.Context, messageID, content string) (*chat.EditResult, error)
	Status() *chat.StatusReport
	UpdateConfig(p dispatch.Patch) dispatch.Settings
	ResetQuota(index int) error
	Ping(ctx context.Context) error
}

type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    RateLimitConfig
	Logger       *slog.Logger
}

type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	svc    ChatService
	logger *slog.Logger
	now    func() time.Time
	// done stops the rate limiter sweeper.
	done      chan struct{}
	closeOnce sync.Once
}

// New builds the router, middleware stack and routes.
func New(cfg Config, svc ChatService) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, keyerr.New(keyerr.CodeServerConfigInvalid, "listen address is required")
	}
	if svc == nil {
		return nil, keyerr.New(keyerr.CodeServerConfigInvalid, "chat service is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Long enough for a full dispatch: several attempts plus backoff.
		cfg.WriteTimeout = 3 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: cfg.Logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimit, s.logger, s.done))

	humaConfig := huma.DefaultConfig("keyrelay", Version)
	humaConfig.Info.Description = "Chat backend with a rotating pool of upstream API keys"
	s.api = humachi.New(r, humaConfig)
	s.router = r

	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) API() huma.API {
	return s.api
}

// Start serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return keyerr.Wrapf(err, keyerr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return keyerr.Wrap(err, keyerr.CodeServerStartFailure, "serving http")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return keyerr.Wrap(err, keyerr.CodeServerShutdownFailure, "shutting down")
	}
	s.logger.Info("http server stopped")
	return <-errCh
}

// Close stops background work. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	allowCredentials := true
	for _, o := range origins {
		if o == "*" {
			// Browsers reject credentialed responses with a wildcard origin.
			allowCredentials = false
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}
