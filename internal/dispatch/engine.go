// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package dispatch serves one chat message across as many credential
// attempts as it takes, absorbing individual call failures.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyrelay-dev/keyrelay/internal/classify"
	"github.com/keyrelay-dev/keyrelay/internal/clock"
	"github.com/keyrelay-dev/keyrelay/internal/credential"
	"github.com/keyrelay-dev/keyrelay/internal/shape"
	"github.com/keyrelay-dev/keyrelay/internal/telemetry"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// Source tags the kind of reply an Outcome carries.
type Source string

const (
	SourceNormal         Source = "normal"
	SourceQuotaExceeded  Source = "quotaExceeded"
	SourceAPIError       Source = "apiError"
	SourceNoKeys         Source = "noKeys"
	SourceAllUnavailable Source = "allUnavailable"
)

const (
	// MaxAttempts caps the upstream calls made for one message.
	MaxAttempts = 5

	// DefaultBackoff is the fixed pause between attempts.
	DefaultBackoff = time.Second

	errNoUsable = "no available credentials"
)

// Outcome is the structured result of Send. It always carries a reply
// text, including placeholder text on failure.
type Outcome struct {
	Success              bool   `json:"success"`
	ReplyText            string `json:"reply"`
	Source               Source `json:"source"`
	CredentialUsed       int    `json:"credential_used"`
	Attempts             int    `json:"attempts"`
	Truncated            bool   `json:"truncated"`
	QuotaExceeded        bool   `json:"quota_exceeded"`
	MaxTokens            int    `json:"max_tokens"`
	AvailableCredentials int    `json:"available_credentials"`
	TotalCredentials     int    `json:"total_credentials"`
	LastError            string `json:"last_error,omitempty"`
}

// Config wires an Engine. Clients are indexed like the pool.
type Config struct {
	Pool       *credential.Pool
	Clients    []upstream.Client
	Classifier classify.Classifier
	Runtime    *Runtime
	Telemetry  *telemetry.Recorder
	Clock      clock.Clock
	// Backoff is the pause between attempts; zero disables it.
	Backoff time.Duration
	Model   string
	TopP    float64
	TopK    int
	Logger  *slog.Logger
}

type Engine struct {
	pool       *credential.Pool
	clients    []upstream.Client
	classifier classify.Classifier
	runtime    *Runtime
	telemetry  *telemetry.Recorder
	clock      clock.Clock
	backoff    time.Duration
	model      string
	topP       float64
	topK       int
	logger     *slog.Logger
}

// New validates cfg and builds an Engine. A credential without a client
// is revoked so it is never selected.
func New(cfg Config) (*Engine, error) {
	if cfg.Pool == nil {
		return nil, keyerr.New(keyerr.CodeServerConfigInvalid, "dispatch: pool is required")
	}
	if len(cfg.Clients) != cfg.Pool.Size() {
		return nil, keyerr.Errorf(keyerr.CodeServerConfigInvalid,
			"dispatch: %d clients for %d credentials", len(cfg.Clients), cfg.Pool.Size())
	}
	if cfg.Backoff < 0 {
		return nil, keyerr.Errorf(keyerr.CodeServerConfigInvalid, "dispatch: negative backoff %s", cfg.Backoff)
	}

	e := &Engine{
		pool:       cfg.Pool,
		clients:    cfg.Clients,
		classifier: cfg.Classifier,
		runtime:    cfg.Runtime,
		telemetry:  cfg.Telemetry,
		clock:      cfg.Clock,
		backoff:    cfg.Backoff,
		model:      cfg.Model,
		topP:       cfg.TopP,
		topK:       cfg.TopK,
		logger:     cfg.Logger,
	}
	if e.classifier == nil {
		e.classifier = classify.Default()
	}
	if e.runtime == nil {
		e.runtime = NewRuntime(DefaultSettings())
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.New()
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	for i, c := range e.clients {
		if c == nil {
			_ = e.pool.MarkRevoked(i, "no upstream client for credential")
		}
	}
	return e, nil
}

func (e *Engine) Pool() *credential.Pool         { return e.pool }
func (e *Engine) Runtime() *Runtime              { return e.runtime }
func (e *Engine) Telemetry() *telemetry.Recorder { return e.telemetry }

// Send produces a reply for message given history, oldest-first. It never
// returns an upstream error; failures are described by the Outcome.
func (e *Engine) Send(ctx context.Context, message string, history []upstream.Message) Outcome {
	counts := e.pool.Counts()
	out := Outcome{
		CredentialUsed:       -1,
		TotalCredentials:     counts.Total,
		AvailableCredentials: counts.Available,
		MaxTokens:            e.runtime.Get().MaxResponseTokens,
	}

	if counts.Total == 0 {
		out.Source = SourceNoKeys
		out.ReplyText = "No upstream API keys configured. Please add API keys to the configuration."
		return out
	}
	if counts.Available == 0 {
		out.Source = SourceAllUnavailable
		out.ReplyText = fmt.Sprintf("All API keys are unavailable. %d keys have quota exceeded, %d keys are disabled.",
			counts.QuotaExceeded, counts.Disabled)
		return out
	}

	e.telemetry.RecordRequest()

	maxAttempts := min(counts.Total*2, MaxAttempts)
	messages := buildPayload(history, message)
	var lastErr string

	for out.Attempts < maxAttempts {
		idx, ok := e.pool.NextUsable()
		if !ok {
			lastErr = errNoUsable
			break
		}
		out.Attempts++
		attempt := out.Attempts

		settings := e.runtime.Get()
		req := upstream.Request{
			Model:       e.model,
			Messages:    messages,
			MaxTokens:   settings.MaxResponseTokens,
			Temperature: settings.Temperature,
			TopP:        e.topP,
			TopK:        e.topK,
		}

		e.logger.Debug("dispatching upstream call",
			"credential", idx,
			"attempt", attempt,
			"max_attempts", maxAttempts,
		)

		start := e.clock.Now()
		text, err := e.call(ctx, idx, req, settings.RequestTimeout)
		latency := e.clock.Now().Sub(start)

		if err == nil {
			shaped, truncated := shape.Shape(text, e.runtime.Get().MaxResponseTokens)
			e.pool.ReportOutcome(idx, true, "", "")
			e.telemetry.RecordAttempt(telemetry.CallAttempt{
				Credential: idx, Number: attempt, Outcome: telemetry.OutcomeSuccess, Latency: latency,
			})
			e.telemetry.RecordOutcome(true)

			out.Success = true
			out.Source = SourceNormal
			out.ReplyText = shaped
			out.Truncated = truncated
			out.CredentialUsed = idx
			e.finish(&out)
			return out
		}

		lastErr = err.Error()
		if ctx.Err() != nil {
			// The caller went away; the credential is not to blame.
			e.logger.Info("dispatch abandoned by caller", "credential", idx, "attempt", attempt, "error", err)
			break
		}

		cat := e.classifier.Classify(err)
		e.pool.ReportOutcome(idx, false, cat, lastErr)
		e.telemetry.RecordAttempt(telemetry.CallAttempt{
			Credential: idx, Number: attempt, Outcome: string(cat), Latency: latency,
		})
		e.logger.Warn("upstream call failed",
			"credential", idx,
			"label", e.pool.Label(idx),
			"attempt", attempt,
			"category", cat,
			"error", err,
		)

		if cat == classify.CategoryLength {
			if tokens, shrunk := e.runtime.ShrinkMaxTokens(); shrunk {
				e.logger.Info("reduced max response tokens after length error", "max_response_tokens", tokens)
			}
		}

		if out.Attempts < maxAttempts && !e.wait(ctx) {
			break
		}
	}

	e.telemetry.RecordOutcome(false)
	out.LastError = lastErr
	if e.pool.Exhausted() {
		out.Source = SourceQuotaExceeded
		out.QuotaExceeded = true
		out.ReplyText = "All API keys have exceeded their quota. Please try again later or add more API keys."
	} else {
		out.Source = SourceAPIError
		out.ReplyText = fmt.Sprintf("Upstream API failed after %d attempts. %s", out.Attempts, lastErr)
	}
	e.finish(&out)
	return out
}

// finish refreshes the pool and budget figures after the loop.
func (e *Engine) finish(out *Outcome) {
	counts := e.pool.Counts()
	out.AvailableCredentials = counts.Available
	out.TotalCredentials = counts.Total
	out.MaxTokens = e.runtime.Get().MaxResponseTokens
}

type callResult struct {
	text string
	err  error
}

// call races the upstream call against timeout. The losing call is
// abandoned, not cancelled; its result lands in a buffered channel and is
// dropped.
func (e *Engine) call(ctx context.Context, idx int, req upstream.Request, timeout time.Duration) (string, error) {
	client := e.clients[idx]
	if client == nil {
		return "", &upstream.Error{Message: "no upstream client for credential"}
	}

	ch := make(chan callResult, 1)
	go func() {
		text, err := client.Generate(ctx, req)
		ch <- callResult{text: text, err: err}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = e.clock.After(timeout)
	}

	select {
	case r := <-ch:
		return r.text, r.err
	case <-deadline:
		return "", keyerr.Errorf(keyerr.CodeUpstreamCallTimeout, "%w after %s", classify.ErrTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) wait(ctx context.Context) bool {
	if e.backoff <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-e.clock.After(e.backoff):
		return true
	case <-ctx.Done():
		return false
	}
}

// buildPayload returns history followed by the new user message.
func buildPayload(history []upstream.Message, message string) []upstream.Message {
	msgs := make([]upstream.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, upstream.Message{Role: upstream.RoleUser, Content: message})
}
