// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package google

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = "gemini-2.5-flash"

// Config holds Gemini client configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Client implements upstream.Client using the Gemini API.
type Client struct {
	client *genai.Client
}

var _ upstream.Client = (*Client)(nil)

// New creates a Gemini client bound to one API key.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, keyerr.New(keyerr.CodeUpstreamRequestInvalid, "google: missing api key",
			keyerr.FieldVendor(string(upstream.VendorGoogle)))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, keyerr.Wrapf(err, keyerr.CodeUpstreamCallFailure, "google: creating client")
	}
	return &Client{client: client}, nil
}

// NewFactory returns an upstream.Factory that builds one Client per key.
func NewFactory(baseURL string) upstream.Factory {
	return func(secret string) (upstream.Client, error) {
		return New(Config{APIKey: secret, BaseURL: baseURL})
	}
}

func (c *Client) Generate(ctx context.Context, req upstream.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, convertMessages(req.Messages), buildConfig(req))
	if err != nil {
		return "", toError(err)
	}

	text, finish := extractText(resp)
	if text != "" {
		return text, nil
	}
	if finish == genai.FinishReasonMaxTokens {
		return "", &upstream.Error{Vendor: upstream.VendorGoogle, Message: "response stopped at the max token limit"}
	}
	msg := "empty response"
	if finish != "" {
		msg += " (finish reason " + string(finish) + ")"
	}
	return "", &upstream.Error{Vendor: upstream.VendorGoogle, Message: msg}
}

// buildConfig converts an upstream.Request into generation parameters.
func buildConfig(req upstream.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(req.TopK))
	}
	return cfg
}

// convertMessages maps conversation turns onto Gemini contents. Gemini
// names the assistant role "model".
func convertMessages(msgs []upstream.Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		role := "user"
		if msg.Role == upstream.RoleAssistant {
			role = "model"
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return result
}

func extractText(resp *genai.GenerateContentResponse) (string, genai.FinishReason) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", cand.FinishReason
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), cand.FinishReason
}

// toError normalises SDK failures into *upstream.Error so the status code
// reaches the classifier.
func toError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return fromAPIError(*apiErrPtr, err)
	}
	return &upstream.Error{Vendor: upstream.VendorGoogle, Message: err.Error(), Err: err}
}

func fromAPIError(apiErr genai.APIError, cause error) *upstream.Error {
	msg := apiErr.Message
	if apiErr.Status != "" {
		msg = apiErr.Status + ": " + msg
	}
	return &upstream.Error{
		Vendor:     upstream.VendorGoogle,
		StatusCode: apiErr.Code,
		Message:    msg,
		Err:        cause,
	}
}
