// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools tracks provider-initiated tool calls inside an assistant message.
//
// Tool events arrive from the provider loosely typed. ParseEvent validates
// them at the boundary, and a Tracker folds them into tool-call parts:
//
//	tool-input-start     append a call in input-streaming
//	tool-input-delta     accumulate argument text
//	tool-input-complete  parse the input, move to input-available
//	tool-output          set output, move to output-available
//	tool-error           set error text, move to output-error
//
// States only move forward. A terminal event for an unknown call id first
// records the call as input-available so the result is kept.
//
// The package also holds the Registry of provider-native tools (web search,
// code interpreter) that a user can enable for capable models.
package tools
