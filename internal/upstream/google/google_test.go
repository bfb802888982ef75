// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package google_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keyrelay-dev/keyrelay/internal/classify"
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	"github.com/keyrelay-dev/keyrelay/internal/upstream/google"
	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := google.New(google.Config{})
	require.Error(t, err)
	assert.True(t, keyerr.IsInvalidInput(err))
	assert.True(t, keyerr.HasCode(err, keyerr.CodeUpstreamRequestInvalid))
}

func TestNewFactory(t *testing.T) {
	f := google.NewFactory("")
	c, err := f("test-key-not-real")
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = f("")
	assert.Error(t, err)
}

func TestConvertMessages_Roles(t *testing.T) {
	contents := google.ConvertMessages([]upstream.Message{
		{Role: upstream.RoleUser, Content: "question"},
		{Role: upstream.RoleAssistant, Content: "answer"},
		{Role: upstream.RoleUser, Content: "follow up"},
	})

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "user", contents[2].Role)
	assert.Equal(t, "follow up", contents[2].Parts[0].Text)
}

func TestBuildConfig(t *testing.T) {
	cfg := google.BuildConfig(upstream.Request{MaxTokens: 2000, Temperature: 0.7, TopP: 0.8, TopK: 40})

	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.7, *cfg.Temperature, 0.0001)
	assert.Equal(t, int32(2000), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.TopP)
	assert.InDelta(t, 0.8, *cfg.TopP, 0.0001)
	require.NotNil(t, cfg.TopK)
	assert.InDelta(t, 40, *cfg.TopK, 0.0001)

	bare := google.BuildConfig(upstream.Request{})
	assert.Nil(t, bare.TopP)
	assert.Nil(t, bare.TopK)
	assert.Zero(t, bare.MaxOutputTokens)
}

func TestToError_APIError(t *testing.T) {
	err := google.ToError(fmt.Errorf("generate: %w", genai.APIError{
		Code:    http.StatusTooManyRequests,
		Message: "Resource has been exhausted (e.g. check quota).",
		Status:  "RESOURCE_EXHAUSTED",
	}))

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, upstream.VendorGoogle, upErr.Vendor)
	assert.Equal(t, http.StatusTooManyRequests, upErr.HTTPStatus())
	assert.Contains(t, upErr.Message, "RESOURCE_EXHAUSTED")
	assert.Equal(t, classify.CategoryQuota, classify.Default().Classify(err))
}

func TestToError_PlainKeepsCause(t *testing.T) {
	err := google.ToError(context.DeadlineExceeded)

	var upErr *upstream.Error
	require.ErrorAs(t, err, &upErr)
	assert.Zero(t, upErr.StatusCode)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExtractText(t *testing.T) {
	text, finish := google.ExtractText(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "Hello "},
				{Text: "there."},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
	})
	assert.Equal(t, "Hello there.", text)
	assert.Equal(t, genai.FinishReasonStop, finish)

	text, _ = google.ExtractText(nil)
	assert.Empty(t, text)
}

func TestGenerate_AgainstMockServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.5-flash:generateContent"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	c, err := google.New(google.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := c.Generate(context.Background(), upstream.Request{
		Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestGenerate_QuotaStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c, err := google.New(google.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), upstream.Request{
		Model:    "gemini-2.5-flash",
		Messages: []upstream.Message{{Role: upstream.RoleUser, Content: "ping"}},
	})
	require.Error(t, err)
	assert.Equal(t, classify.CategoryQuota, classify.Default().Classify(err))
}
