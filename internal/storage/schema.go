// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema is the SQLite schema for conversations, messages and preferences.
// Timestamps are Unix nanoseconds. Message parts and metadata are stored as
// JSON documents; position orders messages within a conversation and stays
// contiguous from zero because only tails are ever deleted.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    pinned          INTEGER NOT NULL DEFAULT 0,
    archived        INTEGER NOT NULL DEFAULT 0,
    context         TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    last_message_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    id              TEXT NOT NULL,
    position        INTEGER NOT NULL,
    role            TEXT NOT NULL,
    model           TEXT NOT NULL DEFAULT '',
    parts           TEXT NOT NULL,
    metadata        TEXT,
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_position ON messages(conversation_id, position);

CREATE TABLE IF NOT EXISTS preferences (
    user_id    TEXT PRIMARY KEY,
    model_id   TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// InitMetadata records the schema version on first open.
const InitMetadata = `INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');`
