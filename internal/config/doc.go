// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for prepchat.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides, validation and live reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - CloudConfig: OpenRouter key, endpoint and offline mode
//   - StorageConfig: sqlite or json conversation store
//   - ServerConfig: HTTP address, CORS origins and rate limits
//   - Watcher: fsnotify-based reload of the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (PREPCHAT_*, OPENROUTER_API_KEY)
//   - ~/.prepchat/config.toml
//   - ~/.prepchat/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := cfg.Server.Addr
package config
