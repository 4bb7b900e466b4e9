// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jeranaias/prepchat/internal/chaterr"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// PART TYPES
// =============================================================================

// PartType discriminates the Part union.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartFile      PartType = "file"
	PartToolCall  PartType = "tool-call"
	PartError     PartType = "error"
)

// Part is one typed fragment of a message. Exactly one payload matches Type:
// Text for text and reasoning, File, ToolCall or Error for the others.
type Part struct {
	Type     PartType   `json:"type"`
	Text     string     `json:"text,omitempty"`
	File     *FilePart  `json:"file,omitempty"`
	ToolCall *ToolCall  `json:"tool_call,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// FilePart is an attachment or a generated artifact.
type FilePart struct {
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
	Filename  string `json:"filename,omitempty"`
}

// ErrorInfo is the persisted representation of a terminal failure.
type ErrorInfo struct {
	Message string        `json:"message"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails carries the classification of an error part.
type ErrorDetails struct {
	Code        string       `json:"code,omitempty"`
	IsRetryable bool         `json:"is_retryable,omitempty"`
	Kind        chaterr.Kind `json:"kind,omitempty"`
}

// ErrorInfoFrom converts a classified error into an error part payload.
func ErrorInfoFrom(err error) ErrorInfo {
	kind := chaterr.KindOf(err)
	return ErrorInfo{
		Message: err.Error(),
		Details: &ErrorDetails{
			Code:        chaterr.Code(err),
			IsRetryable: kind.Retryable(),
			Kind:        kind,
		},
	}
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// FileAttachmentPart builds a file part.
func FileAttachmentPart(f FilePart) Part {
	return Part{Type: PartFile, File: &f}
}

// ErrorPart builds an error part.
func ErrorPart(info ErrorInfo) Part {
	return Part{Type: PartError, Error: &info}
}

// clone returns a deep copy of the part.
func (p Part) clone() Part {
	out := p
	if p.File != nil {
		f := *p.File
		out.File = &f
	}
	if p.ToolCall != nil {
		tc := p.ToolCall.Clone()
		out.ToolCall = &tc
	}
	if p.Error != nil {
		e := *p.Error
		if p.Error.Details != nil {
			d := *p.Error.Details
			e.Details = &d
		}
		out.Error = &e
	}
	return out
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Metadata holds token counts and timing reported for an assistant message.
type Metadata struct {
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	TotalTokens      int           `json:"total_tokens,omitempty"`
	FirstChunk       time.Duration `json:"first_chunk_ns,omitempty"` // time to first chunk
	Latency          time.Duration `json:"latency_ns,omitempty"`     // total generation time
	FinishReason     string        `json:"finish_reason,omitempty"`
	Cost             float64       `json:"cost,omitempty"`
}

// Message represents a single turn in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// NewMessageID returns a new lexically sortable message id.
func NewMessageID() string {
	return "msg_" + strings.ToLower(ulid.Make().String())
}

// NewUserMessage creates a user message from text and optional files.
func NewUserMessage(text string, files ...FilePart) Message {
	msg := Message{
		ID:        NewMessageID(),
		Role:      RoleUser,
		CreatedAt: time.Now(),
	}
	if text != "" {
		msg.Parts = append(msg.Parts, TextPart(text))
	}
	for _, f := range files {
		msg.Parts = append(msg.Parts, FileAttachmentPart(f))
	}
	return msg
}

// NewAssistantMessage creates an empty assistant message for streaming into.
func NewAssistantMessage(modelID string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		Model:     modelID,
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.clone()
		}
	}
	if m.Metadata != nil {
		md := *m.Metadata
		out.Metadata = &md
	}
	return out
}

// =============================================================================
// STREAMING MUTATIONS
// =============================================================================

// AppendText appends delta to the active text part. A new text part is
// started when the last part is not text, so text that follows a tool call
// keeps its position.
func (m *Message) AppendText(delta string) {
	m.appendTo(PartText, delta)
}

// AppendReasoning appends delta to the active reasoning part.
func (m *Message) AppendReasoning(delta string) {
	m.appendTo(PartReasoning, delta)
}

func (m *Message) appendTo(t PartType, delta string) {
	if delta == "" {
		return
	}
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == t {
		m.Parts[n-1].Text += delta
		return
	}
	m.Parts = append(m.Parts, Part{Type: t, Text: delta})
}

// AddFile appends a file part.
func (m *Message) AddFile(f FilePart) {
	m.Parts = append(m.Parts, FileAttachmentPart(f))
}

// SetError records the message's error part, replacing any earlier one.
// Parts written before the failure are kept.
func (m *Message) SetError(info ErrorInfo) {
	for i := range m.Parts {
		if m.Parts[i].Type == PartError {
			m.Parts[i] = ErrorPart(info)
			return
		}
	}
	m.Parts = append(m.Parts, ErrorPart(info))
}

// ToolCallPart returns the tool-call part with the given id, or nil.
func (m *Message) ToolCallPart(id string) *ToolCall {
	for i := range m.Parts {
		if m.Parts[i].Type == PartToolCall && m.Parts[i].ToolCall != nil && m.Parts[i].ToolCall.ID == id {
			return m.Parts[i].ToolCall
		}
	}
	return nil
}

// AddToolCall appends a tool-call part and returns a pointer to it.
func (m *Message) AddToolCall(tc ToolCall) *ToolCall {
	m.Parts = append(m.Parts, Part{Type: PartToolCall, ToolCall: &tc})
	return m.Parts[len(m.Parts)-1].ToolCall
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the role invariants: user messages hold only text and file
// parts, reasoning and tool calls belong to assistants, and there is at most
// one error part.
func (m Message) Validate() error {
	if m.ID == "" {
		return chaterr.Validation("id", "message id is empty")
	}
	if !m.Role.Valid() {
		return chaterr.Validation("role", "unknown role %q", m.Role)
	}

	errorParts := 0
	for i, p := range m.Parts {
		switch p.Type {
		case PartText, PartFile:
		case PartReasoning, PartToolCall:
			if m.Role == RoleUser {
				return chaterr.Validation("parts", "user message cannot hold %s part (index %d)", p.Type, i)
			}
		case PartError:
			errorParts++
			if errorParts > 1 {
				return chaterr.Validation("parts", "message holds more than one error part")
			}
		default:
			return chaterr.Validation("parts", "unknown part type %q (index %d)", p.Type, i)
		}
	}
	return nil
}

// =============================================================================
// TOOL CALL TYPE
// =============================================================================

// ToolState is the lifecycle state of a tool call. Transitions only move
// forward; output-available and output-error are terminal.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// rank orders states for the monotonic transition check.
func (s ToolState) rank() int {
	switch s {
	case ToolInputStreaming:
		return 1
	case ToolInputAvailable:
		return 2
	case ToolOutputAvailable, ToolOutputError:
		return 3
	}
	return 0
}

// Valid reports whether s is a known state.
func (s ToolState) Valid() bool {
	return s.rank() > 0
}

// IsTerminal reports whether no further mutation is accepted.
func (s ToolState) IsTerminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputError
}

// CanTransition reports whether moving from s to next is legal.
// Staying in input-streaming is allowed so argument deltas can accumulate.
func (s ToolState) CanTransition(next ToolState) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	if s == next {
		return s == ToolInputStreaming
	}
	return next.rank() > s.rank()
}

// ToolCall is a provider-initiated function call embedded in an assistant message.
type ToolCall struct {
	ID        string          `json:"tool_call_id"`
	Name      string          `json:"name"`
	State     ToolState       `json:"state"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorText string          `json:"error_text,omitempty"`

	// PartialInput accumulates streamed argument text until the input is complete.
	PartialInput string `json:"partial_input,omitempty"`
}

// Clone returns a deep copy of the tool call.
func (tc ToolCall) Clone() ToolCall {
	out := tc
	if tc.Input != nil {
		out.Input = append(json.RawMessage(nil), tc.Input...)
	}
	if tc.Output != nil {
		out.Output = append(json.RawMessage(nil), tc.Output...)
	}
	return out
}

// Transition moves the call to next or reports why it cannot.
func (tc *ToolCall) Transition(next ToolState) error {
	if !tc.State.CanTransition(next) {
		return fmt.Errorf("tool call %s: invalid transition from %s to %s", tc.ID, tc.State, next)
	}
	tc.State = next
	return nil
}
