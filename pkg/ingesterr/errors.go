// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingesterr is the central error taxonomy (C15): every error kind
// the capture and flags subsystems can surface, and the HTTP status each
// maps to. Handlers type-assert to *Error rather than re-deriving status
// codes at the call site.
package ingesterr

import "fmt"

// Kind is one error kind from §7: every distinct failure mode the
// capture and flags subsystems can surface.
type Kind string

const (
	KindRequestDecoding      Kind = "request_decoding_error"
	KindRequestParsing       Kind = "request_parsing_error"
	KindEmptyBatch           Kind = "empty_batch"
	KindMissingEventName     Kind = "missing_event_name"
	KindMissingDistinctID    Kind = "missing_distinct_id"
	KindEmptyDistinctID      Kind = "empty_distinct_id"
	KindMissingSessionID     Kind = "missing_session_id"
	KindMissingWindowID      Kind = "missing_window_id"
	KindMissingSnapshotData  Kind = "missing_snapshot_data"
	KindEventTooBig          Kind = "event_too_big"
	KindEmptyPayloadFiltered Kind = "empty_payload_filtered"
	KindNonRetryableSink     Kind = "non_retryable_sink_error"
	KindRequestHydration     Kind = "request_hydration_error"

	KindNoToken        Kind = "no_token_error"
	KindMultipleTokens Kind = "multiple_tokens_error"
	KindTokenInvalid   Kind = "token_validation_error"

	KindRetryableSink Kind = "retryable_sink_error"

	KindBillingLimit Kind = "billing_limit"
	KindRateLimited  Kind = "rate_limited"

	KindRowNotFound Kind = "row_not_found"
	KindInternal    Kind = "internal_error"
)

// statusByKind is the central kind→HTTP mapping (§7).
var statusByKind = map[Kind]int{
	KindRequestDecoding:      400,
	KindRequestParsing:       400,
	KindEmptyBatch:           400,
	KindMissingEventName:     400,
	KindMissingDistinctID:    400,
	KindEmptyDistinctID:      400,
	KindMissingSessionID:     400,
	KindMissingWindowID:      400,
	KindMissingSnapshotData:  400,
	KindEventTooBig:          400,
	KindEmptyPayloadFiltered: 400,
	KindNonRetryableSink:     400,
	KindRequestHydration:     400,

	KindNoToken:        401,
	KindMultipleTokens: 401,
	KindTokenInvalid:   401,

	KindRetryableSink: 503,

	KindBillingLimit: 429,
	KindRateLimited:  429,

	KindRowNotFound: 404,
	KindInternal:    500,
}

// Error is the concrete error type every component in this module returns
// for expected failure modes; it carries enough to let the HTTP layer map
// straight to a status code without re-classifying the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error kind maps to, defaulting
// to 500 for kinds that are themselves a programming error.
func HTTPStatus(err error) int {
	var e *Error
	if !As(err, &e) {
		return 500
	}
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return 500
}

// As is a small local wrapper around errors.As to keep this package's
// public surface self-contained for callers that only need Kind checks.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
