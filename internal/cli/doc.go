// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and the terminal front end of
// prepchat.
//
// # Key Types
//
//   - Command: Enumeration of the top-level commands
//   - Args: Global flags plus the raw arguments of the command
//   - Env: Loaded config, output streams and a lazily built Runtime
//   - Runtime: Storage, transport and catalog shared by every chat.Service
//
// # Usage
//
//	cmd, args, err := cli.Parse(os.Args[1:])
//	env := cli.NewEnv(cfg, logger, args)
//	switch cmd {
//	case cli.CmdAsk:
//	    err = cli.HandleAsk(ctx, env)
//	case cli.CmdChat:
//	    err = cli.HandleChatCommand(ctx, env)
//	// ... other commands
//	}
//
// # Commands Overview
//
// Chat:
//   - chat: Interactive REPL with slash commands
//   - ask: One question, streamed to stdout
//
// Conversations:
//   - list, show, delete, pin, archive, restore, branch
//
// Setup:
//   - models, config, status, version
//
// Every command except chat supports --json.
package cli
