// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package credential tracks the health of a fixed set of interchangeable
// upstream credentials and decides which one to try next.
package credential

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keyrelay-dev/keyrelay/internal/classify"
	"github.com/keyrelay-dev/keyrelay/internal/clock"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
	"github.com/keyrelay-dev/keyrelay/pkg/health"
)

const (
	// DefaultCooldown is how long a credential disabled for repeated
	// errors stays out of rotation.
	DefaultCooldown = 5 * time.Minute

	// DefaultErrorThreshold is the consecutive error count a credential
	// may reach before it is disabled. Disablement happens once the count
	// is strictly greater than the threshold.
	DefaultErrorThreshold = 5

	placeholderSecret = "your-api-key-here"
)

// Filter drops empty and placeholder secrets, preserving order.
func Filter(secrets []string) []string {
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || s == placeholderSecret || strings.HasPrefix(s, "<") {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Mask renders a secret for logs and status output.
func Mask(secret string) string {
	r := []rune(secret)
	if len(r) <= 8 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

type entry struct {
	label         string
	available     bool
	quotaExceeded bool
	revoked       bool
	errors        int
	successes     int64
	lastUsed      time.Time
	lastError     *string
	cooldownUntil time.Time
	timer         clock.Timer
	generation    uint64
}

// Pool is an ordered set of credentials plus a rotation cursor. It is
// safe for concurrent use; selection is best-effort, not exclusive.
type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	cursor    int
	clock     clock.Clock
	cooldown  time.Duration
	threshold int
	logger    *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

func WithErrorThreshold(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.threshold = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pool with one healthy credential per secret. Secrets are
// used only to derive masked labels; callers filter them with Filter
// first so that indices line up with their upstream clients.
func New(secrets []string, opts ...Option) *Pool {
	p := &Pool{
		clock:     clock.Real(),
		cooldown:  DefaultCooldown,
		threshold: DefaultErrorThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.entries = make([]*entry, len(secrets))
	for i, s := range secrets {
		p.entries[i] = &entry{label: Mask(s), available: true}
	}
	return p
}

// Size returns the number of credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (e *entry) healthy() bool {
	return e.available && !e.quotaExceeded
}

// NextUsable returns the credential to try next. A fully healthy
// credential is always preferred; a quota-flagged but enabled one is
// returned only when no healthy credential exists.
func (p *Pool) NextUsable() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return -1, false
	}

	if p.entries[p.cursor].healthy() {
		return p.cursor, true
	}

	for step := 1; step < n; step++ {
		i := (p.cursor + step) % n
		if p.entries[i].healthy() {
			p.cursor = i
			return i, true
		}
	}

	for i, e := range p.entries {
		if e.available && e.quotaExceeded {
			p.cursor = i
			return i, true
		}
	}
	return -1, false
}

// ReportOutcome records the result of one call made with credential
// index. Unknown indices are ignored.
func (p *Pool) ReportOutcome(index int, success bool, category classify.Category, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.entries) {
		p.logger.Warn("outcome reported for unknown credential", "credential", index)
		return
	}
	e := p.entries[index]
	now := p.clock.Now()
	e.lastUsed = now

	if success {
		e.errors = 0
		e.successes++
		e.lastError = nil
		return
	}

	e.errors++
	msg := errMsg
	e.lastError = &msg

	switch category {
	case classify.CategoryQuota:
		if !e.quotaExceeded {
			p.logger.Warn("credential quota exceeded", "credential", index, "label", e.label)
		}
		e.quotaExceeded = true
	case classify.CategoryAuth:
		p.revokeLocked(index, msg)
		return
	}

	if !e.revoked && e.errors > p.threshold {
		p.disableLocked(index, now)
	}
}

// MarkRevoked disables a credential permanently, for example when its
// upstream client could not be constructed. Revoking twice is a no-op.
func (p *Pool) MarkRevoked(index int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.entries) {
		return keyerr.New(keyerr.CodeCredentialIndexInvalid, "credential index out of range",
			keyerr.FieldCredential(index))
	}
	e := p.entries[index]
	if e.revoked {
		// The first reason is kept.
		return nil
	}
	if e.errors == 0 {
		e.errors = 1
	}
	p.revokeLocked(index, reason)
	return nil
}

// ResetQuota clears the sticky quota flag of a credential.
func (p *Pool) ResetQuota(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.entries) {
		return keyerr.New(keyerr.CodeCredentialIndexInvalid, "credential index out of range",
			keyerr.FieldCredential(index))
	}
	p.entries[index].quotaExceeded = false
	p.logger.Info("credential quota reset", "credential", index, "label", p.entries[index].label)
	return nil
}

// revokeLocked requires p.mu.
func (p *Pool) revokeLocked(index int, reason string) {
	e := p.entries[index]
	e.available = false
	e.revoked = true
	e.cooldownUntil = time.Time{}
	msg := reason
	e.lastError = &msg
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
	p.logger.Error("credential revoked", "credential", index, "label", e.label, "reason", reason)
}

// disableLocked takes the credential out of rotation and schedules its
// return. A newer disablement supersedes any pending re-enable. Requires
// p.mu.
func (p *Pool) disableLocked(index int, now time.Time) {
	e := p.entries[index]
	e.available = false
	e.cooldownUntil = now.Add(p.cooldown)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	gen := e.generation
	e.timer = p.clock.AfterFunc(p.cooldown, func() { p.reenable(index, gen) })

	p.logger.Warn("credential disabled after repeated errors",
		"credential", index,
		"label", e.label,
		"consecutive_errors", e.errors,
		"cooldown", p.cooldown,
	)
}

func (p *Pool) reenable(index int, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[index]
	if e.revoked || e.generation != gen {
		return
	}
	e.available = true
	e.errors = 0
	e.cooldownUntil = time.Time{}
	e.timer = nil
	p.logger.Info("credential re-enabled after cooldown", "credential", index, "label", e.label)
}

// Snapshot returns the per-credential health state.
func (p *Pool) Snapshot() []health.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]health.Credential, len(p.entries))
	for i, e := range p.entries {
		c := health.Credential{
			Index:         i,
			Label:         e.label,
			Available:     e.available,
			QuotaExceeded: e.quotaExceeded,
			Revoked:       e.revoked,
			ErrorCount:    e.errors,
			SuccessCount:  e.successes,
		}
		if !e.lastUsed.IsZero() {
			t := e.lastUsed
			c.LastUsed = &t
		}
		if e.lastError != nil {
			msg := *e.lastError
			c.LastError = &msg
		}
		if !e.cooldownUntil.IsZero() {
			t := e.cooldownUntil
			c.CooldownUntil = &t
		}
		out[i] = c
	}
	return out
}

// Counts summarises the pool.
func (p *Pool) Counts() health.Counts {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := health.Counts{Total: len(p.entries)}
	for _, e := range p.entries {
		if e.healthy() {
			c.Available++
		}
		if e.quotaExceeded {
			c.QuotaExceeded++
		}
		if !e.available {
			c.Disabled++
		}
	}
	return c
}

// Exhausted reports whether every credential is quota-flagged or
// disabled.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.healthy() {
			return false
		}
	}
	return true
}

// Label returns the masked label of a credential, or "" for an unknown
// index.
func (p *Pool) Label(index int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.entries) {
		return ""
	}
	return p.entries[index].label
}
