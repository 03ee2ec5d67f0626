// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package token validates API tokens before any cache or database work
// (C1). Validate never performs I/O and always yields the same outcome
// for the same input (§8 invariant 1).
package token

import (
	"strings"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

const maxLen = 64

// Validate rejects, in order: empty; length > 64; non-ASCII; prefix
// "phx_"; contains a NUL byte.
func Validate(t string) error {
	if t == "" {
		return ingesterr.New(ingesterr.KindNoToken, "token is empty")
	}
	if len(t) > maxLen {
		return ingesterr.New(ingesterr.KindTokenInvalid, "token exceeds 64 bytes")
	}
	for i := 0; i < len(t); i++ {
		if t[i] > 127 {
			return ingesterr.New(ingesterr.KindTokenInvalid, "token is not ASCII")
		}
	}
	if strings.HasPrefix(t, "phx_") {
		return ingesterr.New(ingesterr.KindTokenInvalid, `token has reserved prefix "phx_"`)
	}
	if strings.IndexByte(t, 0) >= 0 {
		return ingesterr.New(ingesterr.KindTokenInvalid, "token contains a NUL byte")
	}
	return nil
}
