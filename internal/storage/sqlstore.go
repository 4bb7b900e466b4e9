// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/util"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQL STORE
// =============================================================================

// SQLStore is a Gateway and PreferenceStore backed by SQLite.
type SQLStore struct {
	db   *sql.DB
	path string
}

var (
	_ Gateway         = (*SQLStore)(nil)
	_ PreferenceStore = (*SQLStore)(nil)
)

// OpenSQLStore opens or creates the database at path and applies the schema.
func OpenSQLStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps the pragmas below
	// in force for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-16000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init metadata: %w", err)
	}

	return &SQLStore{db: db, path: path}, nil
}

// NewSQLStore wraps an already prepared database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Path returns the database file path, empty for wrapped handles.
func (s *SQLStore) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Create implements Gateway.
func (s *SQLStore) Create(ctx context.Context, userID, title string, convCtx *model.Context) (*model.Conversation, error) {
	conv := model.NewConversation(userID, title, convCtx)
	if err := s.insertConversation(ctx, s.db, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateBranch implements Gateway.
func (s *SQLStore) CreateBranch(ctx context.Context, sourceID, fromMessageID, userID, title string, messages []model.Message, convCtx *model.Context) (*model.Conversation, error) {
	conv := model.NewConversation(userID, title, convCtx)
	for _, msg := range messages {
		conv.Append(msg.Clone())
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireConversation(ctx, tx, sourceID); err != nil {
			return err
		}
		if err := s.insertConversation(ctx, tx, conv); err != nil {
			return err
		}
		for i, msg := range conv.Messages {
			if err := insertMessageAt(ctx, tx, conv.ID, i, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// FindByID implements Gateway.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, pinned, archived, context, created_at, updated_at, last_message_at
		 FROM conversations WHERE id = ?`, id)

	var (
		conv                  model.Conversation
		convCtx               sql.NullString
		created, updated, last int64
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Pinned, &conv.Archived,
		&convCtx, &created, &updated, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation %s: %w", id, err)
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	conv.LastMessageAt = fromNanos(last)
	if convCtx.Valid && convCtx.String != "" {
		conv.Context = &model.Context{}
		if err := json.Unmarshal([]byte(convCtx.String), conv.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", id, err)
		}
	}

	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

func (s *SQLStore) loadMessages(ctx context.Context, id string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, model, parts, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", id, err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var (
			msg     model.Message
			parts   string
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Model, &parts, &meta, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of %s: %w", msg.ID, err)
		}
		if meta.Valid && meta.String != "" {
			msg.Metadata = &model.Metadata{}
			if err := json.Unmarshal([]byte(meta.String), msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", msg.ID, err)
			}
		}
		msg.CreatedAt = fromNanos(created)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AddMessage implements Gateway.
func (s *SQLStore) AddMessage(ctx context.Context, id string, msg model.Message) error {
	parts, meta, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ?, last_message_at = MAX(last_message_at, ?) WHERE id = ?`,
			now, msg.CreatedAt.UnixNano(), id)
		if err != nil {
			return fmt.Errorf("touch conversation %s: %w", id, err)
		}
		if err := expectRow(res); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, id, position, role, model, parts, metadata, created_at)
			 VALUES (?, ?, (SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?)
			 ON CONFLICT(conversation_id, id) DO UPDATE SET
			   role = excluded.role, model = excluded.model, parts = excluded.parts, metadata = excluded.metadata`,
			id, msg.ID, id, string(msg.Role), msg.Model, parts, meta, msg.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("add message %s: %w", msg.ID, err)
		}
		return nil
	})
}

// UpdateTitle implements Gateway.
func (s *SQLStore) UpdateTitle(ctx context.Context, id, title string) error {
	return s.execOne(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UnixNano(), id)
}

// TogglePin implements Gateway.
func (s *SQLStore) TogglePin(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE conversations SET pinned = 1 - pinned WHERE id = ?`, id)
}

// Archive implements Gateway.
func (s *SQLStore) Archive(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE conversations SET archived = 1 WHERE id = ?`, id)
}

// Restore implements Gateway.
func (s *SQLStore) Restore(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE conversations SET archived = 0 WHERE id = ?`, id)
}

// DeleteMessagesFrom implements Gateway.
func (s *SQLStore) DeleteMessagesFrom(ctx context.Context, id string, index int) error {
	if index < 0 {
		return ErrInvalidIndex
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireConversation(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE conversation_id = ? AND position >= ?`, id, index); err != nil {
			return fmt.Errorf("truncate %s: %w", id, err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ?,
			   last_message_at = COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = ?), 0)
			 WHERE id = ?`, time.Now().UnixNano(), id, id)
		return err
	})
}

// Delete implements Gateway.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages of %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
		return expectRow(res)
	})
}

// List implements Gateway. An empty userID lists every conversation.
func (s *SQLStore) List(ctx context.Context, userID string) ([]ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.title, c.pinned, c.archived, c.created_at, c.updated_at, c.last_message_at,
		   (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
		   (SELECT m.parts FROM messages m WHERE m.conversation_id = c.id AND m.role = 'user'
		    ORDER BY m.position LIMIT 1)
		 FROM conversations c
		 WHERE ? = '' OR c.user_id = ?
		 ORDER BY c.pinned DESC, c.updated_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	metas := make([]ConversationMeta, 0)
	for rows.Next() {
		var (
			m                      ConversationMeta
			created, updated, last int64
			firstParts             sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Title, &m.Pinned, &m.Archived,
			&created, &updated, &last, &m.MessageCount, &firstParts); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(created)
		m.UpdatedAt = fromNanos(updated)
		m.LastMessageAt = fromNanos(last)
		if firstParts.Valid {
			m.Preview = previewOf(firstParts.String)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// =============================================================================
// PREFERENCES
// =============================================================================

// ModelPreference implements PreferenceStore.
func (s *SQLStore) ModelPreference(ctx context.Context, userID string) (string, error) {
	var modelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT model_id FROM preferences WHERE user_id = ?`, userID).Scan(&modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read preference for %s: %w", userID, err)
	}
	return modelID, nil
}

// SetModelPreference implements PreferenceStore.
func (s *SQLStore) SetModelPreference(ctx context.Context, userID, modelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, model_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET model_id = excluded.model_id, updated_at = excluded.updated_at`,
		userID, modelID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save preference for %s: %w", userID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertConversation(ctx context.Context, db execer, conv *model.Conversation) error {
	var convCtx any
	if conv.Context != nil {
		data, err := json.Marshal(conv.Context)
		if err != nil {
			return err
		}
		convCtx = string(data)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, pinned, archived, context, created_at, updated_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Pinned, conv.Archived, convCtx,
		conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano(), toNanos(conv.LastMessageAt))
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", conv.ID, err)
	}
	return nil
}

func insertMessageAt(ctx context.Context, db execer, convID string, position int, msg model.Message) error {
	parts, meta, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, id, position, role, model, parts, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		convID, msg.ID, position, string(msg.Role), msg.Model, parts, meta, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func encodeMessage(msg model.Message) (parts string, meta any, err error) {
	p := msg.Parts
	if p == nil {
		p = []model.Part{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode parts of %s: %w", msg.ID, err)
	}
	if msg.Metadata != nil {
		m, err := json.Marshal(msg.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("encode metadata of %s: %w", msg.ID, err)
		}
		meta = string(m)
	}
	return string(data), meta, nil
}

func requireConversation(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	return err
}

// execOne runs a single-row update and maps zero affected rows to not found.
func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func previewOf(partsJSON string) string {
	var parts []model.Part
	if err := json.Unmarshal([]byte(partsJSON), &parts); err != nil {
		return ""
	}
	text := model.GetText(model.Message{Parts: parts})
	return util.TruncateRunes(strings.Join(strings.Fields(text), " "), 80)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
