// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the storage, title and CLI
// packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth, PadRight: column-aware layout using go-runewidth
//   - CollapseSpace: whitespace normalisation for titles and previews
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - WriteJSONAtomic, ReadJSON: JSON documents on top of it
package util
