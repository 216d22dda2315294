// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package streaming implements the client for the external streaming
// service API: authenticated calls with proactive and reactive
// credential refresh, bounded concurrency, and retry with backoff for
// rate limits and transient server errors.
package streaming

import (
	"fmt"
	"time"
)

// AuthError means the account's refresh credential was rejected and the
// user must re-authenticate. The account has already been flagged
// invalid when this error is returned; callers must not retry.
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for account %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means retries were exhausted against rate-limited
// responses. The job fails and becomes eligible again on the next tick.
type RateLimitError struct {
	// Attempts is the total number of requests issued.
	Attempts int

	// LastHint is the last server-provided minimum wait, zero when the
	// server sent no hint.
	LastHint time.Duration
}

func (e *RateLimitError) Error() string {
	if e.LastHint > 0 {
		return fmt.Sprintf("rate limited after %d attempts (last hint %s)", e.Attempts, e.LastHint)
	}
	return fmt.Sprintf("rate limited after %d attempts", e.Attempts)
}

// ServerError means the API kept returning 5xx (or was unreachable)
// until retries ran out. Transient; the next tick retries.
type ServerError struct {
	// StatusCode is the last observed status, zero for transport errors.
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server error %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("server unreachable: %v", e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// RequestError is a non-retryable client error (4xx other than auth and
// rate limit). It indicates a bug or contract drift, not a transient.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected with status %d: %s", e.StatusCode, e.Detail)
}
