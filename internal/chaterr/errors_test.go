// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chaterr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRateLimitText(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Rate limit exceeded for model", true},
		{"RESOURCE_EXHAUSTED: try later", true},
		{"Monthly quota reached", true},
		{"HTTP 429 Too Many Requests", true},
		{"rate_limit_error", true},
		{"model overloaded", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			require.Equal(t, tt.want, IsRateLimitText(tt.text))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		require.NoError(t, Classify(nil))
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		err := Classify(fmt.Errorf("stream: %w", context.Canceled))
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, KindCancelled, KindOf(err))
	})

	t.Run("unexpected EOF is a network error", func(t *testing.T) {
		err := Classify(io.ErrUnexpectedEOF)
		var ne *NetworkError
		require.ErrorAs(t, err, &ne)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		require.Equal(t, KindNetwork, KindOf(err))
	})

	t.Run("provider 429 becomes rate limit", func(t *testing.T) {
		err := Classify(&ProviderError{Message: "slow down", Status: 429})
		require.Equal(t, KindRateLimit, KindOf(err))
	})

	t.Run("provider quota text becomes rate limit", func(t *testing.T) {
		err := Classify(&ProviderError{Message: "quota exceeded", Code: "billing"})
		var rl *RateLimitError
		require.ErrorAs(t, err, &rl)
		require.Equal(t, "billing", rl.Code)
	})

	t.Run("plain provider error stays provider", func(t *testing.T) {
		in := &ProviderError{Message: "context length exceeded", Status: 400}
		require.Same(t, in, Classify(in))
	})

	t.Run("free text is classified", func(t *testing.T) {
		require.Equal(t, KindRateLimit, KindOf(Classify(errors.New("resource exhausted"))))
		require.Equal(t, KindProvider, KindOf(Classify(errors.New("model refused"))))
	})

	t.Run("already classified is unchanged", func(t *testing.T) {
		in := NotFound("message", "msg_1")
		require.Same(t, in, Classify(in))
	})
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("edit: %w", Validation("index", "message %d is not a user message", 2))
	require.Equal(t, KindValidation, KindOf(err))
	require.Contains(t, err.Error(), "index")

	require.Equal(t, KindNone, KindOf(nil))
	require.Equal(t, KindNotFound, KindOf(fmt.Errorf("branch: %w", NotFound("message", "x"))))
}

func TestKind_Retryable(t *testing.T) {
	require.True(t, KindNetwork.Retryable())
	require.True(t, KindRateLimit.Retryable())
	require.False(t, KindProvider.Retryable())
	require.False(t, KindValidation.Retryable())
}

func TestCode(t *testing.T) {
	require.Equal(t, "quota", Code(&RateLimitError{Code: "quota"}))
	require.Equal(t, "bad_request", Code(fmt.Errorf("x: %w", &ProviderError{Code: "bad_request"})))
	require.Empty(t, Code(errors.New("plain")))
}
