// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package upstream defines the generative-text call made with one
// credential, independent of the vendor SDK behind it.
package upstream

import (
	"context"
	"fmt"
)

// Vendor identifies a supported upstream API.
type Vendor string

const (
	VendorGoogle    Vendor = "google"
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
)

// Vendors lists the supported vendors in display order.
func Vendors() []Vendor {
	return []Vendor{VendorGoogle, VendorOpenAI, VendorAnthropic}
}

// Valid reports whether v is a supported vendor.
func (v Vendor) Valid() bool {
	switch v {
	case VendorGoogle, VendorOpenAI, VendorAnthropic:
		return true
	}
	return false
}

// Role is the author of one conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call. Messages are oldest-first with the new
// user message last.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
}

// Client generates a reply with a single fixed credential.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Factory builds a Client for one credential secret.
type Factory func(secret string) (Client, error)

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Error is a failed upstream call. Message keeps the vendor's own text so
// pattern classification still sees it.
type Error struct {
	Vendor     Vendor
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Vendor, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Vendor, e.Message)
}

// HTTPStatus returns the upstream status code, 0 when unknown.
func (e *Error) HTTPStatus() int { return e.StatusCode }

func (e *Error) Unwrap() error { return e.Err }
