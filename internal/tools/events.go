// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies a tool lifecycle event emitted by the provider.
type EventType string

const (
	EventInputStart    EventType = "tool-input-start"
	EventInputDelta    EventType = "tool-input-delta"
	EventInputComplete EventType = "tool-input-complete"
	EventOutput        EventType = "tool-output"
	EventError         EventType = "tool-error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInputStart, EventInputDelta, EventInputComplete, EventOutput, EventError:
		return true
	}
	return false
}

// IsTerminal reports whether the event ends a call.
func (t EventType) IsTerminal() bool {
	return t == EventOutput || t == EventError
}

// Event is a validated tool lifecycle event.
type Event struct {
	Type       EventType       `json:"type"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName,omitempty"`
	InputDelta string          `json:"inputTextDelta,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// =============================================================================
// BOUNDARY PARSING
// =============================================================================

// Errors returned by ParseEvent and Tracker.Apply.
var (
	ErrUnknownEvent   = errors.New("unknown tool event")
	ErrMissingCallID  = errors.New("tool event has no toolCallId")
	ErrInvalidPayload = errors.New("invalid tool event payload")
	ErrCallFinished   = errors.New("tool call already finished")
	ErrDuplicateStart = errors.New("tool call already started")
)

// ParseEvent decodes a loosely typed provider payload into an Event.
// Unknown types, missing ids and non-JSON input or output are rejected.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks that the event is well formed.
func (ev Event) Validate() error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if ev.ToolCallID == "" {
		return ErrMissingCallID
	}
	if len(ev.Input) > 0 && !json.Valid(ev.Input) {
		return fmt.Errorf("%w: input is not JSON", ErrInvalidPayload)
	}
	if len(ev.Output) > 0 && !json.Valid(ev.Output) {
		return fmt.Errorf("%w: output is not JSON", ErrInvalidPayload)
	}
	return nil
}
