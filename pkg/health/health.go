// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package health

import "time"

// Credential exposes the current health state of one upstream credential
// for monitoring and operator visibility. All fields are point-in-time
// snapshots safe to serialize to JSON.
type Credential struct {
	Index         int        `json:"index"`
	Label         string     `json:"label"`
	Available     bool       `json:"available"`
	QuotaExceeded bool       `json:"quota_exceeded"`
	Revoked       bool       `json:"revoked"`
	ErrorCount    int        `json:"error_count"`
	SuccessCount  int64      `json:"success_count"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Counts summarises a pool. Available counts only credentials that are
// both enabled and below quota.
type Counts struct {
	Total         int `json:"total"`
	Available     int `json:"available"`
	QuotaExceeded int `json:"quota_exceeded"`
	Disabled      int `json:"disabled"`
}

// Usage is the process-lifetime request aggregate.
type Usage struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
}

// Attempts aggregates upstream call attempts made with one credential.
type Attempts struct {
	Index        int              `json:"index"`
	Total        int64            `json:"total"`
	ByOutcome    map[string]int64 `json:"by_outcome"`
	TotalLatency time.Duration    `json:"total_latency_ns"`
	AvgLatencyMS float64          `json:"avg_latency_ms"`
}
