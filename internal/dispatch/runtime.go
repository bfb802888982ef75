// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package dispatch

import (
	"sync"
	"time"
)

// Tunable ranges accepted by Runtime.Update.
const (
	MinResponseTokens  = 100
	MaxResponseTokens  = 8192
	MinHistoryMessages = 1
	MaxHistoryMessages = 50
	MinTemperature     = 0.0
	MaxTemperature     = 1.0

	// ShrinkFloor is the token budget at or below which length failures
	// stop shrinking it.
	ShrinkFloor = 500
)

// Settings is a point-in-time copy of the runtime tunables.
type Settings struct {
	MaxResponseTokens  int           `json:"max_response_tokens"`
	MaxHistoryMessages int           `json:"max_history_messages"`
	Temperature        float64       `json:"temperature"`
	RequestTimeout     time.Duration `json:"request_timeout"`
}

// DefaultSettings returns the stock tunables.
func DefaultSettings() Settings {
	return Settings{
		MaxResponseTokens:  2000,
		MaxHistoryMessages: 5,
		Temperature:        0.7,
		RequestTimeout:     20 * time.Second,
	}
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	MaxResponseTokens  *int     `json:"max_response_tokens,omitempty"`
	MaxHistoryMessages *int     `json:"max_history_messages,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
}

// Runtime holds the process-wide tunables. Every read returns the current
// value, so a multi-attempt call may observe a change mid-flight.
type Runtime struct {
	mu sync.Mutex
	s  Settings
}

func NewRuntime(s Settings) *Runtime {
	return &Runtime{s: s}
}

func (r *Runtime) Get() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

// Update applies the in-range fields of p and returns the resulting
// settings. Out-of-range fields are ignored individually.
func (r *Runtime) Update(p Patch) Settings {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v := p.MaxResponseTokens; v != nil && *v >= MinResponseTokens && *v <= MaxResponseTokens {
		r.s.MaxResponseTokens = *v
	}
	if v := p.MaxHistoryMessages; v != nil && *v >= MinHistoryMessages && *v <= MaxHistoryMessages {
		r.s.MaxHistoryMessages = *v
	}
	if v := p.Temperature; v != nil && *v >= MinTemperature && *v <= MaxTemperature {
		r.s.Temperature = *v
	}
	return r.s
}

// ShrinkMaxTokens cuts the response budget to 80% when it is above
// ShrinkFloor. It reports the new value and whether it changed.
func (r *Runtime) ShrinkMaxTokens() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.s.MaxResponseTokens <= ShrinkFloor {
		return r.s.MaxResponseTokens, false
	}
	r.s.MaxResponseTokens = r.s.MaxResponseTokens * 4 / 5
	return r.s.MaxResponseTokens, true
}
