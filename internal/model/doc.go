// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the engine.
// It performs no I/O.
//
// # Key Types
//
//   - Conversation: ordered messages plus pin/archive flags and optional context
//   - Message: role, ordered Parts and generation metadata
//   - Part: tagged union of text, reasoning, file, tool-call and error payloads
//   - ToolCall / ToolState: the monotonic tool invocation lifecycle
//   - Catalog / ModelInfo: selectable models grouped by tier with capabilities
//
// # Usage
//
// Read a streamed assistant message:
//
//	text := model.GetText(msg)
//	for _, call := range model.GetToolCalls(msg) {
//	    fmt.Println(call.Name, call.State)
//	}
//	if model.IsError(msg) {
//	    fmt.Println(model.GetErrorDetails(msg).Message)
//	}
package model
