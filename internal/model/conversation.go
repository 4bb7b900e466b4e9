// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Context links a conversation to the product surface it was started from.
type Context struct {
	InterviewID    string `json:"interview_id,omitempty"`
	LearningPathID string `json:"learning_path_id,omitempty"`
}

// Conversation holds a chat conversation with its history and flags.
//
// The engine works on a copy of this value; the persisted form is owned by
// the storage gateway.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages in creation order
	Messages      []Message `json:"messages"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`

	// Flags
	Pinned   bool `json:"pinned"`
	Archived bool `json:"archived"`

	Context *Context `json:"context,omitempty"`
}

// NewConversationID returns a new conversation id.
func NewConversationID() string {
	return "conv_" + uuid.New().String()
}

// NewConversation creates an empty conversation owned by userID.
func NewConversation(userID, title string, ctx *Context) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        NewConversationID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
		Context:   ctx.clone(),
	}
}

func (c *Context) clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the end of the conversation.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.LastMessageAt = msg.CreatedAt
}

// IndexOf returns the position of the message with the given id, or -1.
func (c *Conversation) IndexOf(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Last returns the most recent message.
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Truncate keeps only the first n messages.
func (c *Conversation) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(c.Messages) {
		return
	}
	// Clear the tail so dropped messages are not reachable through the backing array.
	for i := n; i < len(c.Messages); i++ {
		c.Messages[i] = Message{}
	}
	c.Messages = c.Messages[:n]
	c.UpdatedAt = time.Now()
	if n > 0 {
		c.LastMessageAt = c.Messages[n-1].CreatedAt
	} else {
		c.LastMessageAt = time.Time{}
	}
}

// Prefix returns deep copies of the messages up to and including id.
func (c *Conversation) Prefix(id string) ([]Message, bool) {
	idx := c.IndexOf(id)
	if idx < 0 {
		return nil, false
	}
	out := make([]Message, idx+1)
	for i := 0; i <= idx; i++ {
		out[i] = c.Messages[i].Clone()
	}
	return out, true
}

// FirstUserText returns the text of the first user message.
func (c *Conversation) FirstUserText() string {
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			if text := GetText(msg); text != "" {
				return text
			}
		}
	}
	return ""
}

// AssistantCount returns the number of assistant messages.
func (c *Conversation) AssistantCount() int {
	n := 0
	for _, msg := range c.Messages {
		if msg.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Context = c.Context.clone()
	clone.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return &clone
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Conversation"
}
