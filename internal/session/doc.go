// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs the streaming sessions of conversations.
//
// A Controller owns the working copy of one conversation and at most one
// in-flight response. Its phase moves through
//
//	idle -> sending -> streaming -> complete | error | cancelled
//
// and a settled controller accepts the next send. Chunks from the transport
// are folded into the assistant message in arrival order; tool events go
// through a tools.Tracker. Failures become an error part on the message,
// never an error returned to the caller.
//
// # Key Types
//
//   - Controller: per-conversation state machine
//   - Snapshot: immutable view delivered through Subscribe
//   - Manager: controllers keyed by conversation id, with idle eviction
//
// # Usage
//
//	ctrl := session.New(session.Config{Transport: t, Gateway: gw}, nil)
//	updates, unsubscribe := ctrl.Subscribe()
//	defer unsubscribe()
//	ctrl.Send(ctx, session.SendRequest{UserID: "u1", Content: "Explain closures", Model: m})
//	for snap := range updates {
//	    if snap.Phase.Settled() {
//	        break
//	    }
//	}
package session
