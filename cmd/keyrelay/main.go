// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Command keyrelay runs the chat relay and talks to a running instance.
package main

import (
	"fmt"
	"os"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

func main() {
	err := NewRootCmd().Execute()
	if err == nil {
		return
	}

	if code := keyerr.CodeOf(err); code != "" {
		fmt.Fprintf(os.Stderr, "keyrelay: %v [%s]\n", err, code)
	} else {
		fmt.Fprintf(os.Stderr, "keyrelay: %v\n", err)
	}
	if keyerr.IsInvalidInput(err) {
		os.Exit(2)
	}
	os.Exit(1)
}
