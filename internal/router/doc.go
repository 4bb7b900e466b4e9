// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router holds a user's model selection and the state that depends
// on it.
//
// # Key Types
//
//   - Selector: the selected model, enabled provider tools and staged attachments
//   - Selection: an immutable view of the current choice
//   - UsageStats: cumulative token and cost accounting across responses
//
// # Selection Rules
//
// Changing the model always clears the enabled provider tools. When the new
// model does not accept images, staged attachments are discarded and their
// previews released. A remembered preference that names a model missing from
// the catalog restores to no selection.
//
// # Usage
//
//	sel := router.NewSelector(catalog, registry, prefs, previews, logger)
//	if _, err := sel.Restore(ctx, userID); err != nil {
//	    return err
//	}
//	sel.SelectModel(ctx, userID, "openai/gpt-4o")
//	sel.EnableTool("web-search")
//
// # Cost Estimation
//
// Prices come from the catalog in USD per million tokens. When a provider
// does not report usage, token counts are estimated from the text.
package router
