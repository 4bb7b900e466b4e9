// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/util"
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationStore persists each conversation as one JSON document in
// BaseDir. Every mutation rewrites the document atomically.
type ConversationStore struct {
	// BaseDir is the directory for storing conversations
	// Default: ~/.prepchat/conversations/
	BaseDir string

	mu sync.Mutex
}

// NewConversationStore creates a store under the user's home directory.
func NewConversationStore() (*ConversationStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewConversationStoreWithDir(filepath.Join(homeDir, ".prepchat", "conversations"))
}

// NewConversationStoreWithDir creates a store with a custom directory.
func NewConversationStoreWithDir(baseDir string) (*ConversationStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &ConversationStore{BaseDir: baseDir}, nil
}

var _ Gateway = (*ConversationStore)(nil)

// =============================================================================
// CREATE OPERATIONS
// =============================================================================

// Create implements Gateway.
func (s *ConversationStore) Create(ctx context.Context, userID, title string, convCtx *model.Context) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conv := model.NewConversation(userID, title, convCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// CreateBranch implements Gateway.
func (s *ConversationStore) CreateBranch(ctx context.Context, sourceID, fromMessageID, userID, title string, messages []model.Message, convCtx *model.Context) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(sourceID); err != nil {
		return nil, err
	}

	conv := model.NewConversation(userID, title, convCtx)
	for _, msg := range messages {
		conv.Append(msg.Clone())
	}
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// FindByID implements Gateway.
func (s *ConversationStore) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if errors.Is(err, ErrConversationNotFound) {
		return nil, nil
	}
	return conv, err
}

// List implements Gateway.
func (s *ConversationStore) List(ctx context.Context, userID string) ([]ConversationMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []ConversationMeta{}, nil
		}
		return nil, err
	}

	metas := make([]ConversationMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		conv, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // Skip corrupted files
		}
		if userID != "" && conv.UserID != userID {
			continue
		}
		metas = append(metas, metaOf(conv))
	}
	sortMetas(metas)
	return metas, nil
}

// =============================================================================
// UPDATE OPERATIONS
// =============================================================================

// AddMessage implements Gateway.
func (s *ConversationStore) AddMessage(ctx context.Context, id string, msg model.Message) error {
	return s.update(ctx, id, func(conv *model.Conversation) error {
		if i := conv.IndexOf(msg.ID); i >= 0 {
			conv.Messages[i] = msg.Clone()
			conv.UpdatedAt = time.Now()
			return nil
		}
		conv.Append(msg.Clone())
		return nil
	})
}

// UpdateTitle implements Gateway.
func (s *ConversationStore) UpdateTitle(ctx context.Context, id, title string) error {
	return s.update(ctx, id, func(conv *model.Conversation) error {
		conv.Title = title
		conv.UpdatedAt = time.Now()
		return nil
	})
}

// TogglePin implements Gateway.
func (s *ConversationStore) TogglePin(ctx context.Context, id string) error {
	return s.update(ctx, id, func(conv *model.Conversation) error {
		conv.Pinned = !conv.Pinned
		return nil
	})
}

// Archive implements Gateway.
func (s *ConversationStore) Archive(ctx context.Context, id string) error {
	return s.update(ctx, id, func(conv *model.Conversation) error {
		conv.Archived = true
		return nil
	})
}

// Restore implements Gateway.
func (s *ConversationStore) Restore(ctx context.Context, id string) error {
	return s.update(ctx, id, func(conv *model.Conversation) error {
		conv.Archived = false
		return nil
	})
}

// DeleteMessagesFrom implements Gateway.
func (s *ConversationStore) DeleteMessagesFrom(ctx context.Context, id string, index int) error {
	if index < 0 {
		return ErrInvalidIndex
	}
	return s.update(ctx, id, func(conv *model.Conversation) error {
		conv.Truncate(index)
		return nil
	})
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete implements Gateway.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// update applies fn to the stored conversation under the store lock.
func (s *ConversationStore) update(ctx context.Context, id string, fn func(*model.Conversation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return err
	}
	if err := fn(conv); err != nil {
		return err
	}
	return s.write(conv)
}

func (s *ConversationStore) read(id string) (*model.Conversation, error) {
	if !validID(id) {
		return nil, ErrConversationNotFound
	}
	var conv model.Conversation
	if err := util.ReadJSON(s.filePath(id), &conv); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	return &conv, nil
}

func (s *ConversationStore) write(conv *model.Conversation) error {
	return util.WriteJSONAtomic(s.filePath(conv.ID), conv, 0600)
}

// filePath returns the file path for a conversation ID.
func (s *ConversationStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// validID rejects ids that could escape BaseDir.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
