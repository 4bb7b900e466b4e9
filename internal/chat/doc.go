// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat is the conversation mutation service for one user.
//
// A Service owns a session.Manager and addresses conversations by key: the
// conversation id, or a draft key returned by New until the first response
// creates the conversation. Both keys keep working after creation.
//
// Edits, regeneration and truncation go through Controller.Mutate and are
// refused while a response is streaming. Notifications that must not be
// missed (branches, titles, rate limits) are delivered on Events.
package chat
