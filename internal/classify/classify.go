// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package classify assigns a failure category to an upstream call error.
package classify

import (
	"context"
	"errors"
	"net/http"
	"strings"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// Category is the failure class of one upstream call.
type Category string

const (
	CategoryQuota   Category = "quota"
	CategoryAuth    Category = "auth"
	CategoryLength  Category = "length"
	CategoryTimeout Category = "timeout"
	CategoryOther   Category = "other"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryQuota, CategoryAuth, CategoryLength, CategoryTimeout, CategoryOther:
		return true
	}
	return false
}

// ErrTimeout marks a call abandoned because it outlived its deadline.
var ErrTimeout = errors.New("upstream call timed out")

// Classifier maps an upstream error to a Category.
type Classifier interface {
	Classify(err error) Category
}

// Rule assigns Category to any error whose message contains one of
// Patterns. Patterns are matched case-insensitively.
type Rule struct {
	Category Category
	Patterns []string
}

// DefaultRules returns the built-in rule set. Order matters: the first
// matching rule wins, and the bare "exceeded" quota rule is deliberately
// last so length and auth messages that mention a limit are not taken
// for quota errors.
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategoryQuota, Patterns: []string{
			"quota", "429", "rate limit", "resource_exhausted", "resource exhausted", "too many requests",
		}},
		{Category: CategoryAuth, Patterns: []string{
			"api key", "api_key", "permission", "authentication", "unauthorized", "unauthenticated",
		}},
		{Category: CategoryLength, Patterns: []string{
			"length", "token", "too long", "context window",
		}},
		{Category: CategoryQuota, Patterns: []string{"exceeded"}},
	}
}

// ExtendRules returns base with extra patterns added to the first rule of
// each named category. Categories with no rule in base get a new rule
// appended after the existing ones.
func ExtendRules(base []Rule, extra map[Category][]string) []Rule {
	out := make([]Rule, len(base))
	for i, r := range base {
		out[i] = Rule{Category: r.Category, Patterns: append([]string(nil), r.Patterns...)}
	}

	for _, cat := range []Category{CategoryQuota, CategoryAuth, CategoryLength, CategoryTimeout, CategoryOther} {
		patterns := extra[cat]
		if len(patterns) == 0 {
			continue
		}
		found := false
		for i := range out {
			if out[i].Category == cat {
				out[i].Patterns = append(out[i].Patterns, patterns...)
				found = true
				break
			}
		}
		if !found {
			out = append(out, Rule{Category: cat, Patterns: append([]string(nil), patterns...)})
		}
	}
	return out
}

// statusCoder is implemented by errors that carry the upstream HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// PatternClassifier classifies by deadline, then by structured HTTP
// status, then by ordered message patterns.
type PatternClassifier struct {
	rules []Rule
}

var _ Classifier = (*PatternClassifier)(nil)

// NewPatternClassifier builds a classifier over rules. An empty rule set
// falls back to DefaultRules.
func NewPatternClassifier(rules []Rule) *PatternClassifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		lowered := make([]string, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				lowered = append(lowered, p)
			}
		}
		compiled = append(compiled, Rule{Category: r.Category, Patterns: lowered})
	}
	return &PatternClassifier{rules: compiled}
}

// Default returns a classifier over DefaultRules.
func Default() *PatternClassifier {
	return NewPatternClassifier(nil)
}

func (c *PatternClassifier) Classify(err error) Category {
	if err == nil {
		return CategoryOther
	}

	if keyerr.IsTimeout(err) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusTooManyRequests:
			return CategoryQuota
		case http.StatusUnauthorized, http.StatusForbidden:
			return CategoryAuth
		}
	}

	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if strings.Contains(msg, p) {
				return r.Category
			}
		}
	}
	return CategoryOther
}

// Rules returns a copy of the active rule set.
func (c *PatternClassifier) Rules() []Rule {
	return ExtendRules(c.rules, nil)
}
