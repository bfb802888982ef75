// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package google

import (
	"github.com/keyrelay-dev/keyrelay/internal/upstream"
	"google.golang.org/genai"
)

// ConvertMessages exposes convertMessages for white-box testing.
var ConvertMessages = func(msgs []upstream.Message) []*genai.Content {
	return convertMessages(msgs)
}

// BuildConfig exposes buildConfig for white-box testing.
var BuildConfig = func(req upstream.Request) *genai.GenerateContentConfig {
	return buildConfig(req)
}

// ToError exposes toError for white-box testing.
var ToError = func(err error) error {
	return toError(err)
}

// ExtractText exposes extractText for white-box testing.
var ExtractText = func(resp *genai.GenerateContentResponse) (string, genai.FinishReason) {
	return extractText(resp)
}
