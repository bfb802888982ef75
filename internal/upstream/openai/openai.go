// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package openai

import (
	"context"
	"errors"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = "gpt-4.1-mini"

// Config holds OpenAI client configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Client implements upstream.Client using the Chat Completions API.
type Client struct {
	client openaisdk.Client
}

var _ upstream.Client = (*Client)(nil)

// New creates an OpenAI client bound to one API key. SDK retries are
// disabled; retrying across credentials is the dispatcher's job.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, keyerr.New(keyerr.CodeUpstreamRequestInvalid, "openai: missing api key",
			keyerr.FieldVendor(string(upstream.VendorOpenAI)))
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{client: openaisdk.NewClient(opts...)}, nil
}

// NewFactory returns an upstream.Factory that builds one Client per key.
func NewFactory(baseURL string) upstream.Factory {
	return func(secret string) (upstream.Client, error) {
		return New(Config{APIKey: secret, BaseURL: baseURL})
	}
}

func (c *Client) Generate(ctx context.Context, req upstream.Request) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return "", toError(err)
	}

	if len(completion.Choices) == 0 {
		return "", &upstream.Error{Vendor: upstream.VendorOpenAI, Message: "empty response"}
	}
	choice := completion.Choices[0]
	if choice.Message.Content == "" {
		if choice.FinishReason == "length" {
			return "", &upstream.Error{Vendor: upstream.VendorOpenAI, Message: "response stopped at the max token length"}
		}
		return "", &upstream.Error{Vendor: upstream.VendorOpenAI, Message: "empty response"}
	}
	return choice.Message.Content, nil
}

func buildParams(req upstream.Request) openaisdk.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    convertMessages(req.Messages),
		Temperature: param.NewOpt(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.TopP > 0 {
		params.TopP = param.NewOpt(req.TopP)
	}
	return params
}

func convertMessages(msgs []upstream.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == upstream.RoleAssistant {
			result = append(result, openaisdk.AssistantMessage(msg.Content))
			continue
		}
		result = append(result, openaisdk.UserMessage(msg.Content))
	}
	return result
}

func toError(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		if apiErr.Code != "" {
			msg = apiErr.Code + ": " + msg
		}
		return &upstream.Error{
			Vendor:     upstream.VendorOpenAI,
			StatusCode: apiErr.StatusCode,
			Message:    msg,
			Err:        err,
		}
	}
	return &upstream.Error{Vendor: upstream.VendorOpenAI, Message: err.Error(), Err: err}
}
