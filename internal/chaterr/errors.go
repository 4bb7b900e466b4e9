// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chaterr defines the error taxonomy shared by the streaming engine.
//
// Every failure the engine surfaces falls into one of five kinds:
//
//   - ValidationError: rejected before any mutation (busy session, wrong role, no model)
//   - NetworkError: transport failure before the first chunk or a stream cut short
//   - RateLimitError: provider rate-limit, quota or resource-exhausted responses
//   - ProviderError: any other provider-reported failure
//   - NotFoundError: a conversation or message id that does not resolve
//
// Use errors.As to recover the concrete type, or KindOf for the category.
package chaterr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// =============================================================================
// KIND
// =============================================================================

// Kind is the category of an engine error.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation"
	KindNetwork    Kind = "network"
	KindRateLimit  Kind = "rate_limit"
	KindProvider   Kind = "provider"
	KindNotFound   Kind = "not_found"
	KindCancelled  Kind = "cancelled"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// Retryable reports whether a user-initiated resend can reasonably succeed.
// The engine never retries on its own.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimit
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// ValidationError is returned synchronously when an operation is not legal in
// the current state. Nothing has been mutated when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing conversation or message.
type NotFoundError struct {
	Resource string // "conversation" or "message"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error"
	}
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is a provider rate-limit or quota response.
type RateLimitError struct {
	Message    string
	Code       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %v)", e.RetryAfter)
	}
	return msg
}

// ProviderError is any other failure reported by the model provider.
type ProviderError struct {
	Message string
	Code    string
	Status  int // HTTP status, 0 when reported in-stream
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Status != 0:
		return fmt.Sprintf("provider error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("provider error [%s]: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// rateLimitMarkers are matched case-insensitively against provider error text
// and codes.
var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"rate_limit",
	"ratelimit",
	"quota",
	"429",
	"resource exhausted",
	"resource_exhausted",
	"resource-exhausted",
	"too many requests",
}

// IsRateLimitText reports whether s carries a rate-limit marker.
func IsRateLimitText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// KindOf returns the category of err, or KindNone for nil.
// Errors outside the taxonomy are reported as KindProvider.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		ne *NetworkError
		rl *RateLimitError
		pe *ProviderError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &ne):
		return KindNetwork
	case errors.As(err, &pe):
		return KindProvider
	}
	return KindProvider
}

// Classify maps an arbitrary transport or provider error onto the taxonomy.
// Already-classified errors are returned unchanged. context.Canceled is
// returned unchanged so callers can tell a user stop from a failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		ve *ValidationError
		nf *NotFoundError
		ne *NetworkError
		rl *RateLimitError
		pe *ProviderError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &nf), errors.As(err, &rl), errors.As(err, &ne):
		return err
	case errors.As(err, &pe):
		// Providers report quota exhaustion with a variety of statuses.
		if pe.Status == 429 || IsRateLimitText(pe.Code) || IsRateLimitText(pe.Message) {
			return &RateLimitError{Message: pe.Message, Code: pe.Code}
		}
		return err
	}

	if IsRateLimitText(err.Error()) {
		return &RateLimitError{Message: err.Error()}
	}
	if isNetworkFailure(err) {
		return &NetworkError{Err: err}
	}
	return &ProviderError{Message: err.Error()}
}

// isNetworkFailure reports transport-level failures: dropped connections,
// truncated bodies, dial and timeout errors.
func isNetworkFailure(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Code returns the provider code carried by err, if any.
func Code(err error) string {
	var (
		rl *RateLimitError
		pe *ProviderError
	)
	switch {
	case errors.As(err, &rl):
		return rl.Code
	case errors.As(err, &pe):
		return pe.Code
	}
	return ""
}
