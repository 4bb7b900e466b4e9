// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - HTTP API command for prepchat.
//
// Command: serve [--addr host:port]
// Aliases: server
//
// Examples:
//   prepchat serve
//   prepchat serve --addr 0.0.0.0:9000
//
// The server runs until SIGINT or SIGTERM. While it runs, edits to the
// config file are picked up and idle conversations are evicted once a
// minute.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/prepchat/internal/config"
	"github.com/jeranaias/prepchat/internal/server"
)

// sweepInterval is how often idle conversations are evicted.
const sweepInterval = time.Minute

// HandleServe handles the "serve" command. onReload is called with every
// config that reloads cleanly from disk.
func HandleServe(ctx context.Context, env *Env, onReload func(*config.Config)) error {
	if env.Args.JSON {
		return NewValidationError("--json", "true", "serve does not support JSON output")
	}
	p := NewArgParser(env.Args.Raw)
	cfg := env.Config
	addr := p.Flag("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}

	rt, err := env.Runtime()
	if err != nil {
		return err
	}
	if cfg.Cloud.RefreshCatalog && !rt.Offline() {
		if err := rt.RefreshCatalog(ctx); err != nil {
			env.Logger.Warn("catalog refresh failed, serving the built-in catalog", "error", err)
		}
	}

	srv := server.New(server.Options{
		Addr:           addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		DefaultUser:    cfg.UserID,
		Catalog:        rt.Catalog,
		Logger:         env.Logger,
	}, rt.NewService)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.status("%s listening on http://%s %s", SuccessStyle.Render("prepchat"), addr, DimStyle.Render("(Ctrl+C to stop)"))
	if rt.Offline() {
		env.status("%s", WarningStyle.Render("offline: responses are echoed ("+rt.offlineReason()+")"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.persistTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := srv.Sweep(gctx); n > 0 {
					env.Logger.Debug("evicted idle conversations", "count", n)
				}
			}
		}
	})

	if path, err := configFilePath(env); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			g.Go(func() error {
				if err := config.Watch(gctx, path, onReload, env.Logger); err != nil {
					env.Logger.Warn("config watch disabled", "path", path, "error", err)
				}
				return nil
			})
		}
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	env.status("%s", DimStyle.Render("server stopped"))
	return nil
}
