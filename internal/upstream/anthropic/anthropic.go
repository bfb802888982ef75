// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package anthropic

import (
	"context"
	"errors"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

const (
	// DefaultModel is used when the request does not name one.
	DefaultModel = "claude-sonnet-4-5"

	defaultMaxTokens = 1024
)

// Config holds Anthropic client configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Client implements upstream.Client using the Messages API.
type Client struct {
	client anthropicsdk.Client
}

var _ upstream.Client = (*Client)(nil)

// New creates an Anthropic client bound to one API key. SDK retries are
// disabled; retrying across credentials is the dispatcher's job.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, keyerr.New(keyerr.CodeUpstreamRequestInvalid, "anthropic: missing api key",
			keyerr.FieldVendor(string(upstream.VendorAnthropic)))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{client: anthropicsdk.NewClient(opts...)}, nil
}

// NewFactory returns an upstream.Factory that builds one Client per key.
func NewFactory(baseURL string) upstream.Factory {
	return func(secret string) (upstream.Client, error) {
		return New(Config{APIKey: secret, BaseURL: baseURL})
	}
}

func (c *Client) Generate(ctx context.Context, req upstream.Request) (string, error) {
	msg, err := c.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return "", toError(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		if msg.StopReason == anthropicsdk.StopReasonMaxTokens {
			return "", &upstream.Error{Vendor: upstream.VendorAnthropic, Message: "response stopped at the max token limit"}
		}
		return "", &upstream.Error{Vendor: upstream.VendorAnthropic, Message: "empty response"}
	}
	return b.String(), nil
}

func buildParams(req upstream.Request) anthropicsdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(model),
		Messages:    convertMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: anthropicsdk.Float(req.Temperature),
	}
	if req.TopP > 0 {
		params.TopP = anthropicsdk.Float(req.TopP)
	}
	if req.TopK > 0 {
		params.TopK = anthropicsdk.Int(int64(req.TopK))
	}
	return params
}

func convertMessages(msgs []upstream.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		block := anthropicsdk.NewTextBlock(msg.Content)
		if msg.Role == upstream.RoleAssistant {
			result = append(result, anthropicsdk.NewAssistantMessage(block))
			continue
		}
		result = append(result, anthropicsdk.NewUserMessage(block))
	}
	return result
}

func toError(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return &upstream.Error{
			Vendor:     upstream.VendorAnthropic,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Err:        err,
		}
	}
	return &upstream.Error{Vendor: upstream.VendorAnthropic, Message: err.Error(), Err: err}
}
