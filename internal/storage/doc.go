// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and user preferences.
//
// Two Gateway implementations are provided: ConversationStore writes one
// JSON document per conversation, and SQLStore keeps everything in a single
// SQLite database. Both treat AddMessage as an upsert keyed by message id.
package storage
