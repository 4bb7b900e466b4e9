// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the OpenRouter transport for the streaming engine.
//
// OpenRouterClient.Open implements stream.Transport: it posts a streaming
// chat completion and decodes the Server-Sent Events body into typed chunks.
// Content deltas become text-delta chunks, reasoning deltas become
// reasoning-delta chunks, and indexed tool_calls fragments become tool
// lifecycle events keyed by call id. The final usage block becomes a metadata
// chunk and the [DONE] sentinel becomes done.
//
// HTTP failures are returned classified (see package chaterr): 429 and quota
// responses as RateLimitError, transport failures as NetworkError, anything
// else as ProviderError. Streams are never retried; Chat, used for titles,
// retries transient failures with exponential backoff.
//
// # Usage
//
//	client := cloud.NewOpenRouterClient(apiKey).WithLogger(logger)
//	s, err := client.Open(ctx, stream.Request{Model: "openai/gpt-4o", History: msgs})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	for {
//	    chunk, err := s.Recv()
//	    ...
//	}
//
// API keys are never logged.
package cloud
