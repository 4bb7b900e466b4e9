// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// Projections over a message's parts. They never fail: a part whose payload
// does not match its type is skipped.

// GetText returns the concatenation of all text parts.
func GetText(m Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// GetReasoning returns the concatenation of all reasoning parts.
func GetReasoning(m Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// GetToolCalls returns copies of the well-formed tool calls, in order.
func GetToolCalls(m Message) []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type != PartToolCall || p.ToolCall == nil {
			continue
		}
		if p.ToolCall.ID == "" || !p.ToolCall.State.Valid() {
			continue
		}
		calls = append(calls, p.ToolCall.Clone())
	}
	return calls
}

// GetFiles returns the file parts that carry a URL.
func GetFiles(m Message) []FilePart {
	var files []FilePart
	for _, p := range m.Parts {
		if p.Type != PartFile || p.File == nil || p.File.URL == "" {
			continue
		}
		files = append(files, *p.File)
	}
	return files
}

// IsError reports whether the message ended in failure.
func IsError(m Message) bool {
	for _, p := range m.Parts {
		if p.Type == PartError && p.Error != nil {
			return true
		}
	}
	return false
}

// GetErrorDetails returns the message's error payload, or the zero value.
func GetErrorDetails(m Message) ErrorInfo {
	for _, p := range m.Parts {
		if p.Type == PartError && p.Error != nil {
			info := *p.Error
			if p.Error.Details != nil {
				d := *p.Error.Details
				info.Details = &d
			}
			return info
		}
	}
	return ErrorInfo{}
}
