// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"fmt"

	"github.com/jeranaias/prepchat/internal/model"
)

// =============================================================================
// PHASE
// =============================================================================

// Phase is the state of a conversation's streaming session.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSending   Phase = "sending"
	PhaseStreaming Phase = "streaming"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
	PhaseCancelled Phase = "cancelled"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Active reports whether a stream is in flight.
func (p Phase) Active() bool {
	return p == PhaseSending || p == PhaseStreaming
}

// Settled reports whether the last session finished.
func (p Phase) Settled() bool {
	return p == PhaseComplete || p == PhaseError || p == PhaseCancelled
}

// validTransitions lists the phases reachable from each phase.
// A settled session returns to idle when the next send starts.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseSending},
	PhaseSending:   {PhaseStreaming, PhaseError, PhaseCancelled},
	PhaseStreaming: {PhaseComplete, PhaseError, PhaseCancelled},
	PhaseComplete:  {PhaseIdle},
	PhaseError:     {PhaseIdle},
	PhaseCancelled: {PhaseIdle},
}

// CanTransition checks if a transition from p to next is valid.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range validTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// transitionError reports an illegal phase change. It indicates a bug in the
// controller, never a caller mistake.
type transitionError struct {
	from, to Phase
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.from, e.to)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable view of a controller. The conversation includes
// the in-progress assistant message while a stream is active.
type Snapshot struct {
	// Key identifies the controller; it is the conversation id once the
	// conversation exists and a draft key before that.
	Key            string
	ConversationID string
	Phase          Phase

	Conversation *model.Conversation

	// Assistant is the message being streamed, or the last one settled by
	// this controller. Nil before the first send.
	Assistant *model.Message

	// Err is the classified failure when Phase is PhaseError
	Err error

	// Unsynced lists message ids whose last write to storage failed
	Unsynced []string

	// Seq increases with every published snapshot
	Seq uint64
}

// Text returns the assistant text streamed so far.
func (s Snapshot) Text() string {
	if s.Assistant == nil {
		return ""
	}
	return model.GetText(*s.Assistant)
}
