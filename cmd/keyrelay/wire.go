// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/keyrelay-dev/keyrelay/internal/chat"
	"github.com/keyrelay-dev/keyrelay/internal/classify"
	"github.com/keyrelay-dev/keyrelay/internal/config"
	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/dispatch"
	"github.com/keyrelay-dev/keyrelay/internal/secrets"
	"github.com/keyrelay-dev/keyrelay/internal/server"
	"github.com/keyrelay-dev/keyrelay/internal/store"
	_ "github.com/keyrelay-dev/keyrelay/internal/store/sqlite" // register sqlite backend
	"github.com/keyrelay-dev/keyrelay/internal/telemetry"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	anthropicup "github.com/keyrelay-dev/keyrelay/internal/upstream/anthropic"
	googleup "github.com/keyrelay-dev/keyrelay/internal/upstream/google"
	openaiup "github.com/keyrelay-dev/keyrelay/internal/upstream/openai"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// vendorFactories builds the per-key client factory for each vendor from
// the configured endpoint. Tests replace entries.
var vendorFactories = map[upstream.Vendor]func(endpoint string) upstream.Factory{
	upstream.VendorGoogle:    googleup.NewFactory,
	upstream.VendorOpenAI:    openaiup.NewFactory,
	upstream.VendorAnthropic: anthropicup.NewFactory,
}

// secretStoreFactory creates the keyring used to resolve keyring://
// references. Tests substitute an in-memory store.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyring()
}

// Relay holds the wired subsystems and manages their lifecycle.
type Relay struct {
	Server *server.Server
	Store  store.Store
	Engine *dispatch.Engine
	Chat   *chat.Service
}

// WireRelay resolves credentials and builds every subsystem from cfg.
func WireRelay(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keys := resolveKeys(cfg, logger)
	if len(keys) == 0 {
		logger.Warn("no upstream API keys configured; chats will get the no-keys reply")
	}

	pool := credential.New(keys,
		credential.WithCooldown(cfg.Dispatch.Cooldown),
		credential.WithErrorThreshold(cfg.Dispatch.ErrorThreshold),
		credential.WithLogger(logger),
	)

	clients, err := buildClients(cfg, pool, keys, logger)
	if err != nil {
		return nil, err
	}

	engine, err := dispatch.New(dispatch.Config{
		Pool:       pool,
		Clients:    clients,
		Classifier: classify.NewPatternClassifier(cfg.ClassifierRules()),
		Runtime:    dispatch.NewRuntime(cfg.Settings()),
		Telemetry:  telemetry.New(),
		Backoff:    cfg.Dispatch.Backoff,
		Model:      cfg.Upstream.Model,
		TopP:       cfg.Upstream.TopP,
		TopK:       cfg.Upstream.TopK,
		Logger:     logger,
	})
	if err != nil {
		return nil, keyerr.Wrapf(err, keyerr.CodeCLISetupFailure, "creating dispatch engine")
	}

	st, err := store.Open(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
	if err != nil {
		return nil, keyerr.Wrapf(err, keyerr.CodeCLISetupFailure, "opening %s store", cfg.Storage.Backend)
	}

	svc := chat.NewService(engine, st, chat.WithLogger(logger))

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Networking.Listen,
		CORSOrigins: cfg.Networking.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.Networking.RateLimitRPS,
			Burst:             cfg.Networking.Burst(),
		},
		Logger: logger,
	}, svc)
	if err != nil {
		_ = st.Close()
		return nil, keyerr.Wrapf(err, keyerr.CodeCLISetupFailure, "creating http server")
	}

	logger.Info("relay wired",
		"vendor", cfg.Upstream.Vendor,
		"model", cfg.Upstream.Model,
		"keys", pool.Size(),
		"storage", cfg.Storage.Backend,
	)
	return &Relay{Server: srv, Store: st, Engine: engine, Chat: svc}, nil
}

// resolveKeys turns configured values into usable secrets: keyring
// references are resolved, then placeholders and blanks are dropped. The
// keyring is only touched when a reference is present.
func resolveKeys(cfg *config.Config, logger *slog.Logger) []string {
	values := cfg.Upstream.APIKeys
	needsKeyring := false
	for _, v := range values {
		if secrets.IsReference(v) {
			needsKeyring = true
			break
		}
	}
	if needsKeyring {
		values = secrets.ResolveCredentials(secretStoreFactory(), values, logger)
	}
	return credential.Filter(values)
}

// buildClients creates one client per key. A key whose client cannot be
// built is revoked and gets a nil client.
func buildClients(cfg *config.Config, pool *credential.Pool, keys []string, logger *slog.Logger) ([]upstream.Client, error) {
	vendor := upstream.Vendor(cfg.Upstream.Vendor)
	newFactory, ok := vendorFactories[vendor]
	if !ok {
		return nil, keyerr.Errorf(keyerr.CodeUpstreamVendorUnknown, "no client for vendor %q", vendor)
	}
	factory := newFactory(cfg.Upstream.Endpoint)

	clients := make([]upstream.Client, len(keys))
	for i, key := range keys {
		c, err := factory(key)
		if err != nil {
			logger.Warn("upstream client unavailable; credential revoked",
				"credential", i, "label", pool.Label(i), "error", err)
			_ = pool.MarkRevoked(i, err.Error())
			continue
		}
		clients[i] = c
	}
	return clients, nil
}

// Start serves HTTP until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	return r.Server.Start(ctx)
}

// Close releases the server and the store.
func (r *Relay) Close() error {
	r.Server.Close()
	if err := r.Store.Close(); err != nil {
		return keyerr.Wrap(err, keyerr.CodeStoreDatabaseFailure, "closing store")
	}
	return nil
}
