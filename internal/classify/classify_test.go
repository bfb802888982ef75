// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package classify_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/keyrelay-dev/keyrelay/internal/classify"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type statusErr struct {
	status int
	msg    string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestPatternClassifierDefaults(t *testing.T) {
	c := classify.Default()

	tests := []struct {
		name string
		err  error
		want classify.Category
	}{
		{name: "quota word", err: errors.New("Quota exceeded for quota metric"), want: classify.CategoryQuota},
		{name: "429 in text", err: errors.New("googleapi: Error 429: slow down"), want: classify.CategoryQuota},
		{name: "resource exhausted", err: errors.New("RESOURCE_EXHAUSTED"), want: classify.CategoryQuota},
		{name: "rate limit", err: errors.New("Rate limit reached"), want: classify.CategoryQuota},
		{name: "api key", err: errors.New("API key not valid. Please pass a valid API key."), want: classify.CategoryAuth},
		{name: "permission", err: errors.New("Permission denied on resource"), want: classify.CategoryAuth},
		{name: "authentication", err: errors.New("authentication failed"), want: classify.CategoryAuth},
		{name: "length", err: errors.New("input length too large"), want: classify.CategoryLength},
		{name: "token", err: errors.New("max token count reached"), want: classify.CategoryLength},
		{name: "too long", err: errors.New("prompt is too long"), want: classify.CategoryLength},
		{name: "token limit exceeded is length", err: errors.New("token limit exceeded"), want: classify.CategoryLength},
		{name: "bare exceeded", err: errors.New("limit exceeded"), want: classify.CategoryQuota},
		{name: "other", err: errors.New("connection reset by peer"), want: classify.CategoryOther},
		{name: "nil", err: nil, want: classify.CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err))
		})
	}
}

func TestPatternClassifierTimeoutTakesPrecedence(t *testing.T) {
	c := classify.Default()

	assert.Equal(t, classify.CategoryTimeout, c.Classify(classify.ErrTimeout))
	assert.Equal(t, classify.CategoryTimeout, c.Classify(fmt.Errorf("quota call: %w", classify.ErrTimeout)))
	assert.Equal(t, classify.CategoryTimeout, c.Classify(context.DeadlineExceeded))
	assert.Equal(t, classify.CategoryTimeout, c.Classify(keyerr.New(keyerr.CodeUpstreamCallTimeout, "429 gave up waiting")))
}

func TestPatternClassifierStructuredStatus(t *testing.T) {
	c := classify.Default()

	tests := []struct {
		name   string
		status int
		msg    string
		want   classify.Category
	}{
		{name: "429 without words", status: http.StatusTooManyRequests, msg: "slow down", want: classify.CategoryQuota},
		{name: "401", status: http.StatusUnauthorized, msg: "nope", want: classify.CategoryAuth},
		{name: "403 beats token text", status: http.StatusForbidden, msg: "token rejected", want: classify.CategoryAuth},
		{name: "400 falls through to patterns", status: http.StatusBadRequest, msg: "prompt too long", want: classify.CategoryLength},
		{name: "500 other", status: http.StatusInternalServerError, msg: "backend error", want: classify.CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &statusErr{status: tt.status, msg: tt.msg})
			assert.Equal(t, tt.want, c.Classify(err))
		})
	}
}

func TestCustomRules(t *testing.T) {
	c := classify.NewPatternClassifier([]classify.Rule{
		{Category: classify.CategoryAuth, Patterns: []string{"  Revoked "}},
	})

	assert.Equal(t, classify.CategoryAuth, c.Classify(errors.New("key REVOKED by admin")))
	assert.Equal(t, classify.CategoryOther, c.Classify(errors.New("quota exceeded")))
}

func TestExtendRules(t *testing.T) {
	rules := classify.ExtendRules(classify.DefaultRules(), map[classify.Category][]string{
		classify.CategoryQuota:   {"billing hard limit"},
		classify.CategoryTimeout: {"gateway gave up waiting"},
	})
	c := classify.NewPatternClassifier(rules)

	assert.Equal(t, classify.CategoryQuota, c.Classify(errors.New("Billing hard limit has been reached")))
	assert.Equal(t, classify.CategoryTimeout, c.Classify(errors.New("gateway gave up waiting")))

	// Base rules are not mutated.
	for _, r := range classify.DefaultRules() {
		assert.NotContains(t, r.Patterns, "billing hard limit")
	}
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, classify.CategoryQuota.Valid())
	assert.True(t, classify.CategoryOther.Valid())
	assert.False(t, classify.Category("bogus").Valid())
}
