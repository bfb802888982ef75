// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package telemetry aggregates request and per-credential attempt
// counters for the status surface.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/keyrelay-dev/keyrelay/pkg/health"
)

// OutcomeSuccess labels a successful attempt. Failed attempts are
// labelled with their classification category.
const OutcomeSuccess = "success"

// CallAttempt describes one upstream call made while serving a request.
type CallAttempt struct {
	Credential int
	Number     int
	Outcome    string
	Latency    time.Duration
}

type attemptStats struct {
	total     int64
	byOutcome map[string]int64
	latency   time.Duration
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	total      int64
	successful int64
	failed     int64
	attempts   map[int]*attemptStats
}

func New() *Recorder {
	return &Recorder{attempts: make(map[int]*attemptStats)}
}

// RecordRequest counts one request that had at least one usable
// credential when it started.
func (r *Recorder) RecordRequest() {
	r.mu.Lock()
	r.total++
	r.mu.Unlock()
}

// RecordOutcome counts the terminal outcome of one counted request.
func (r *Recorder) RecordOutcome(success bool) {
	r.mu.Lock()
	if success {
		r.successful++
	} else {
		r.failed++
	}
	r.mu.Unlock()
}

func (r *Recorder) RecordAttempt(a CallAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.attempts[a.Credential]
	if !ok {
		s = &attemptStats{byOutcome: make(map[string]int64)}
		r.attempts[a.Credential] = s
	}
	s.total++
	s.byOutcome[a.Outcome]++
	s.latency += a.Latency
}

// Counters returns the request aggregate. SuccessRate is a percentage
// rounded to two decimals, 0 when nothing was counted.
func (r *Recorder) Counters() health.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := health.Usage{
		TotalRequests:      r.total,
		SuccessfulRequests: r.successful,
		FailedRequests:     r.failed,
	}
	if r.total > 0 {
		u.SuccessRate = math.Round(float64(r.successful)/float64(r.total)*10000) / 100
	}
	return u
}

// Attempts returns per-credential attempt statistics ordered by index.
func (r *Recorder) Attempts() []health.Attempts {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]health.Attempts, 0, len(r.attempts))
	for idx, s := range r.attempts {
		by := make(map[string]int64, len(s.byOutcome))
		for k, v := range s.byOutcome {
			by[k] = v
		}
		a := health.Attempts{
			Index:        idx,
			Total:        s.total,
			ByOutcome:    by,
			TotalLatency: s.latency,
		}
		if s.total > 0 {
			a.AvgLatencyMS = float64(s.latency.Milliseconds()) / float64(s.total)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
