// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/jeranaias/prepchat/internal/model"
)

// Tracker folds tool events into the tool-call parts of one assistant message.
// Calls are keyed by id and progress independently. A Tracker is not safe for
// concurrent use; the owning session applies events in arrival order.
type Tracker struct {
	msg *model.Message
}

// NewTracker creates a tracker writing into msg.
func NewTracker(msg *model.Message) *Tracker {
	return &Tracker{msg: msg}
}

// Apply applies ev to the message. A rejected event leaves the message
// unchanged and returns an error describing why.
func (t *Tracker) Apply(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	call := t.msg.ToolCallPart(ev.ToolCallID)
	if call != nil && call.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s, got %s", ErrCallFinished, call.ID, call.State, ev.Type)
	}

	switch ev.Type {
	case EventInputStart:
		if call != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateStart, ev.ToolCallID)
		}
		t.msg.AddToolCall(model.ToolCall{
			ID:    ev.ToolCallID,
			Name:  ev.ToolName,
			State: model.ToolInputStreaming,
		})
		return nil

	case EventInputDelta:
		if call == nil {
			// Reconnected mid-call: the start event was lost.
			call = t.msg.AddToolCall(model.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, State: model.ToolInputStreaming})
		}
		if call.State != model.ToolInputStreaming {
			return fmt.Errorf("tool call %s: input delta in state %s", call.ID, call.State)
		}
		call.PartialInput += ev.InputDelta
		t.fillName(call, ev)
		return nil

	case EventInputComplete:
		if call == nil {
			t.msg.AddToolCall(model.ToolCall{
				ID:    ev.ToolCallID,
				Name:  ev.ToolName,
				State: model.ToolInputAvailable,
				Input: resolveInput(ev.Input, ""),
			})
			return nil
		}
		if err := call.Transition(model.ToolInputAvailable); err != nil {
			return err
		}
		call.Input = resolveInput(ev.Input, call.PartialInput)
		call.PartialInput = ""
		t.fillName(call, ev)
		return nil

	case EventOutput, EventError:
		if call == nil {
			// Terminal event for a call we never saw; record its input first
			// so the result is not dropped.
			call = t.msg.AddToolCall(model.ToolCall{
				ID:    ev.ToolCallID,
				Name:  ev.ToolName,
				State: model.ToolInputAvailable,
				Input: resolveInput(ev.Input, ""),
			})
		}
		next := model.ToolOutputAvailable
		if ev.Type == EventError {
			next = model.ToolOutputError
		}
		if err := call.Transition(next); err != nil {
			return err
		}
		if call.Input == nil {
			call.Input = resolveInput(ev.Input, call.PartialInput)
			call.PartialInput = ""
		}
		if ev.Type == EventOutput {
			call.Output = ev.Output
			if call.Output == nil {
				call.Output = json.RawMessage("null")
			}
		} else {
			call.ErrorText = ev.ErrorText
		}
		t.fillName(call, ev)
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}

// Calls returns copies of the message's tool calls.
func (t *Tracker) Calls() []model.ToolCall {
	return model.GetToolCalls(*t.msg)
}

// Pending returns the ids of calls that have not reached a terminal state.
func (t *Tracker) Pending() []string {
	var ids []string
	for _, c := range t.Calls() {
		if !c.State.IsTerminal() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (t *Tracker) fillName(call *model.ToolCall, ev Event) {
	if call.Name == "" && ev.ToolName != "" {
		call.Name = ev.ToolName
	}
}

// resolveInput picks the provided input, else the accumulated argument text.
// Argument text that is not valid JSON is kept as a JSON string.
func resolveInput(provided json.RawMessage, partial string) json.RawMessage {
	if len(provided) > 0 {
		return append(json.RawMessage(nil), provided...)
	}
	if partial == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(partial)) {
		return json.RawMessage(partial)
	}
	quoted, _ := json.Marshal(partial)
	return quoted
}
