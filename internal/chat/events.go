// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

// EventType names a service event.
type EventType string

const (
	// EventCreated fires when a draft conversation is first stored
	EventCreated EventType = "created"

	// EventBranched fires after Branch created a new conversation
	EventBranched EventType = "branched"

	// EventRateLimited fires once per newly failed rate-limited response
	EventRateLimited EventType = "rate-limited"

	// EventTitleUpdated fires when a synthesized title replaced the provisional one
	EventTitleUpdated EventType = "title-updated"
)

// Event is a notification for the front end. Which fields are set depends
// on Type.
type Event struct {
	Type           EventType `json:"type"`
	Key            string    `json:"key,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SourceID       string    `json:"source_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Message        string    `json:"message,omitempty"`
}
