// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/util"
)

// Gateway is the conversation persistence contract consumed by the engine.
//
// Ownership checks (conversation.UserID == caller) are the caller's job and
// happen before any mutating call. Operations on an unknown id return
// ErrConversationNotFound, except FindByID which returns (nil, nil).
type Gateway interface {
	// Create stores a new, empty conversation.
	Create(ctx context.Context, userID, title string, convCtx *model.Context) (*model.Conversation, error)

	// FindByID returns the conversation with its messages, or nil when absent.
	FindByID(ctx context.Context, id string) (*model.Conversation, error)

	// AddMessage appends msg, or replaces the stored message with the same id.
	// Replacing keeps the message's position, so a retried write is harmless.
	AddMessage(ctx context.Context, id string, msg model.Message) error

	UpdateTitle(ctx context.Context, id, title string) error

	// CreateBranch stores a new conversation seeded with messages.
	CreateBranch(ctx context.Context, sourceID, fromMessageID, userID, title string, messages []model.Message, convCtx *model.Context) (*model.Conversation, error)

	TogglePin(ctx context.Context, id string) error
	Archive(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error

	// DeleteMessagesFrom drops the messages at and after index.
	DeleteMessagesFrom(ctx context.Context, id string, index int) error

	Delete(ctx context.Context, id string) error

	// List returns userID's conversations, pinned first, then most recent.
	List(ctx context.Context, userID string) ([]ConversationMeta, error)
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Pinned        bool      `json:"pinned"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	Preview       string    `json:"preview"` // First user message truncated
}

// metaOf builds the listing entry for conv.
func metaOf(conv *model.Conversation) ConversationMeta {
	preview := strings.Join(strings.Fields(conv.FirstUserText()), " ")
	return ConversationMeta{
		ID:            conv.ID,
		UserID:        conv.UserID,
		Title:         conv.Title,
		Pinned:        conv.Pinned,
		Archived:      conv.Archived,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
		LastMessageAt: conv.LastMessageAt,
		MessageCount:  len(conv.Messages),
		Preview:       util.TruncateRunes(preview, 80),
	}
}

// sortMetas orders pinned conversations first, then by most recent activity.
func sortMetas(metas []ConversationMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Pinned != metas[j].Pinned {
			return metas[i].Pinned
		}
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrConversationNotFound) to check for this error.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ErrInvalidIndex is returned by DeleteMessagesFrom for a negative index.
var ErrInvalidIndex = &ConversationError{Message: "message index out of range"}

// ConversationError represents a conversation-related error.
// It implements the error interface and can be compared using errors.Is.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// LIST FORMATTING
// =============================================================================

// FormatConversationList formats conversations as a plain-text table.
func FormatConversationList(metas []ConversationMeta) string {
	if len(metas) == 0 {
		return "No conversations found."
	}

	var sb strings.Builder
	sb.WriteString(util.PadRight("ID", 14) + " " + util.PadRight("Updated", 16) + " " + util.PadRight("Msgs", 5) + " Title\n")
	sb.WriteString(strings.Repeat("-", 64) + "\n")

	for _, m := range metas {
		id := m.ID
		if len(id) > 14 {
			id = id[:14]
		}
		title := m.Title
		if title == "" {
			title = m.Preview
		}
		flags := ""
		if m.Pinned {
			flags += "*"
		}
		if m.Archived {
			flags += "(archived) "
		}
		sb.WriteString(util.PadRight(id, 14) + " " +
			util.PadRight(m.UpdatedAt.Format("2006-01-02 15:04"), 16) + " " +
			util.PadRight(util.IntToStr(m.MessageCount), 5) + " " +
			flags + util.TruncateWidth(title, 40) + "\n")
	}
	return sb.String()
}
