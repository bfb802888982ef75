// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package openai

import (
	openaisdk "github.com/openai/openai-go"

	"github.com/keyrelay-dev/keyrelay/internal/upstream"
)

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req upstream.Request) openaisdk.ChatCompletionNewParams {
	return buildParams(req)
}
