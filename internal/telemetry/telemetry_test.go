// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package telemetry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/keyrelay-dev/keyrelay/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersEmpty(t *testing.T) {
	r := telemetry.New()
	u := r.Counters()
	assert.Zero(t, u.TotalRequests)
	assert.Zero(t, u.SuccessRate)
	assert.Empty(t, r.Attempts())
}

func TestSuccessRateRounding(t *testing.T) {
	r := telemetry.New()
	for range 3 {
		r.RecordRequest()
	}
	r.RecordOutcome(true)
	r.RecordOutcome(false)
	r.RecordOutcome(false)

	u := r.Counters()
	assert.Equal(t, int64(3), u.TotalRequests)
	assert.Equal(t, int64(1), u.SuccessfulRequests)
	assert.Equal(t, int64(2), u.FailedRequests)
	assert.InDelta(t, 33.33, u.SuccessRate, 0.0001)
}

func TestAttemptsAggregatePerCredential(t *testing.T) {
	r := telemetry.New()
	r.RecordAttempt(telemetry.CallAttempt{Credential: 1, Number: 1, Outcome: "quota", Latency: 10 * time.Millisecond})
	r.RecordAttempt(telemetry.CallAttempt{Credential: 0, Number: 2, Outcome: telemetry.OutcomeSuccess, Latency: 30 * time.Millisecond})
	r.RecordAttempt(telemetry.CallAttempt{Credential: 1, Number: 1, Outcome: "quota", Latency: 20 * time.Millisecond})

	got := r.Attempts()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, int64(1), got[0].ByOutcome[telemetry.OutcomeSuccess])

	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, int64(2), got[1].Total)
	assert.Equal(t, int64(2), got[1].ByOutcome["quota"])
	assert.Equal(t, 30*time.Millisecond, got[1].TotalLatency)
	assert.InDelta(t, 15.0, got[1].AvgLatencyMS, 0.0001)
}

func TestConcurrentRecording(t *testing.T) {
	r := telemetry.New()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				r.RecordRequest()
				r.RecordOutcome(true)
				r.RecordAttempt(telemetry.CallAttempt{Credential: 0, Outcome: telemetry.OutcomeSuccess})
			}
		}()
	}
	wg.Wait()

	u := r.Counters()
	assert.Equal(t, int64(1000), u.TotalRequests)
	assert.InDelta(t, 100.0, u.SuccessRate, 0.0001)
	assert.Equal(t, int64(1000), r.Attempts()[0].Total)
}
