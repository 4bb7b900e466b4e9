// prepchat - Streaming chat over OpenRouter models from the terminal or HTTP.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/prepchat/internal/cli"
	"github.com/jeranaias/prepchat/internal/config"
	"github.com/jeranaias/prepchat/internal/logging"
	"github.com/jeranaias/prepchat/internal/server"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with the cli and server packages
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
	server.Version = Version
}

func main() {
	cmd, args, err := cli.Parse(os.Args[1:])
	if err != nil {
		cli.HandleErrorAndExit(err, args.JSON)
	}

	switch cmd {
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
		return
	case cli.CmdVersion:
		cli.HandleErrorAndExit(cli.PrintVersion(os.Stdout, args.JSON), args.JSON)
		return
	}

	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		cli.HandleErrorAndExit(err, args.JSON)
	}
	if args.Verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		cli.HandleErrorAndExit(fmt.Errorf("logging: %w", err), args.JSON)
	}
	config.SetGlobal(cfg)

	env := cli.NewEnv(cfg, logger.Logger, args)
	err = run(context.Background(), cmd, env, logger)

	// os.Exit skips defers, so release everything before reporting.
	if cerr := env.Close(); cerr != nil {
		logger.Warn("shutdown", "error", cerr)
	}
	logger.Close()
	cli.HandleErrorAndExit(err, args.JSON)
}

func run(ctx context.Context, cmd cli.Command, env *cli.Env, logger *logging.Logger) error {
	switch cmd {
	case cli.CmdChat:
		return cli.HandleChatCommand(ctx, env)
	case cli.CmdAsk:
		return cli.HandleAsk(ctx, env)
	case cli.CmdServe:
		return cli.HandleServe(ctx, env, func(c *config.Config) {
			logger.Apply(c.Logging)
		})
	case cli.CmdList:
		return cli.HandleList(ctx, env)
	case cli.CmdShow:
		return cli.HandleShow(ctx, env)
	case cli.CmdDelete:
		return cli.HandleDelete(ctx, env)
	case cli.CmdPin, cli.CmdArchive, cli.CmdRestore:
		return cli.HandleFlag(ctx, env, cmd)
	case cli.CmdBranch:
		return cli.HandleBranch(ctx, env)
	case cli.CmdModels:
		return cli.HandleModels(ctx, env)
	case cli.CmdConfig:
		return cli.HandleConfig(env)
	case cli.CmdStatus:
		return cli.HandleStatus(ctx, env)
	default:
		return fmt.Errorf("unhandled command %d", cmd)
	}
}

// loadConfig reads path when given. A --config file that does not exist
// yet yields the defaults so "config set" can create it.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg := config.Default()
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromPath(path)
}
