// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package anthropic

import (
	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/keyrelay-dev/keyrelay/internal/upstream"
)

// BuildParams exposes buildParams for white-box testing.
var BuildParams = func(req upstream.Request) anthropicsdk.MessageNewParams {
	return buildParams(req)
}
