// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/prepchat/internal/chat"
	"github.com/jeranaias/prepchat/internal/cloud"
	"github.com/jeranaias/prepchat/internal/config"
	"github.com/jeranaias/prepchat/internal/files"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/router"
	"github.com/jeranaias/prepchat/internal/session"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/stream"
	"github.com/jeranaias/prepchat/internal/title"
	"github.com/jeranaias/prepchat/internal/tools"
)

// EchoDelay paces the offline transport so streaming is visible.
const EchoDelay = 25 * time.Millisecond

// Runtime holds the collaborators shared by every front end: storage, the
// provider transport and the model catalog. It hands out one chat.Service
// per user.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Catalog  *model.Catalog
	Registry *tools.Registry
	Gateway  storage.Gateway
	Prefs    storage.PreferenceStore

	// Transport streams responses; it is the OpenRouter client unless the
	// runtime is offline
	Transport stream.Transport

	// Cloud is nil when offline
	Cloud *cloud.OpenRouterClient

	usage *router.UsageStats
	close func() error
}

// NewRuntime opens storage and builds the transport for cfg.
func NewRuntime(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Catalog:  model.DefaultCatalog(),
		Registry: tools.NewRegistry(),
		close:    func() error { return nil },
	}

	switch cfg.Storage.Backend {
	case "json":
		store, err := storage.NewConversationStoreWithDir(filepath.Join(dataDir, "conversations"))
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation store: %w", err)
		}
		rt.Gateway = store
		rt.Prefs = storage.NewFilePreferences(filepath.Join(dataDir, "preferences.json"))
	default:
		store, err := storage.OpenSQLStore(filepath.Join(dataDir, "prepchat.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		rt.Gateway = store
		rt.Prefs = store
		rt.close = store.Close
	}

	if rt.offline() {
		rt.Transport = stream.Echo{Delay: EchoDelay}
		logger.Info("running offline", "reason", rt.offlineReason())
	} else {
		rt.Cloud = cloud.NewOpenRouterClient(cfg.Cloud.OpenRouterKey).
			WithBaseURL(cfg.Cloud.BaseURL).
			WithTimeout(time.Duration(cfg.Cloud.TimeoutSecs) * time.Second).
			WithLogger(logger).
			WithModel(cfg.DefaultModel)
		rt.Transport = rt.Cloud
	}
	rt.usage = router.NewUsageStats(rt.Catalog)
	return rt, nil
}

func (rt *Runtime) offline() bool {
	return rt.Config.Cloud.Offline || rt.Config.Cloud.OpenRouterKey == ""
}

func (rt *Runtime) offlineReason() string {
	if rt.Config.Cloud.Offline {
		return "offline mode"
	}
	return "no OpenRouter key"
}

// Offline reports whether responses come from the echo transport.
func (rt *Runtime) Offline() bool { return rt.Cloud == nil }

// RefreshCatalog replaces the built-in catalog with the provider's model
// list. Offline runtimes keep the built-in catalog.
func (rt *Runtime) RefreshCatalog(ctx context.Context) error {
	if rt.Cloud == nil {
		return nil
	}
	models, err := rt.Cloud.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh model catalog: %w", err)
	}
	if len(models) == 0 {
		return errors.New("provider returned an empty model list")
	}
	rt.Catalog.Replace(models)
	rt.Logger.Info("model catalog refreshed", "models", len(models))
	return nil
}

// Titler returns the title synthesizer, or nil when offline.
func (rt *Runtime) Titler() session.Titler {
	if rt.Cloud == nil {
		return nil
	}
	return &title.Synthesizer{
		Generator: rt.Cloud,
		PickModel: func() string {
			if m, ok := rt.Catalog.Cheapest(); ok {
				return m.ID
			}
			return ""
		},
		Logger: rt.Logger,
	}
}

// Usage returns the usage counters shared by every service.
func (rt *Runtime) Usage() *router.UsageStats { return rt.usage }

// NewService builds a chat service for userID and restores the user's
// remembered model.
func (rt *Runtime) NewService(userID string) (*chat.Service, error) {
	logger := rt.Logger
	sel := router.NewSelector(rt.Catalog, rt.Registry, rt.Prefs, files.NewService(logger), logger)

	ctx, cancel := context.WithTimeout(context.Background(), rt.persistTimeout())
	defer cancel()
	if _, err := sel.Restore(ctx, userID); err != nil {
		logger.Warn("failed to restore model preference", "user", userID, "error", err)
	}

	s := rt.Config.Session
	return chat.NewService(chat.Config{
		UserID:         userID,
		Gateway:        rt.Gateway,
		Transport:      rt.Transport,
		Selector:       sel,
		Titler:         rt.Titler(),
		Usage:          rt.usage,
		DefaultModel:   rt.defaultModel(),
		Logger:         logger,
		IdleTimeout:    time.Duration(s.IdleTimeoutMins) * time.Minute,
		PersistTimeout: rt.persistTimeout(),
		TitleTimeout:   time.Duration(s.TitleTimeoutSecs) * time.Second,
	})
}

// defaultModel is the configured model, falling back to the cheapest one.
func (rt *Runtime) defaultModel() string {
	if rt.Config.DefaultModel != "" {
		return rt.Config.DefaultModel
	}
	if m, ok := rt.Catalog.Cheapest(); ok {
		return m.ID
	}
	return ""
}

func (rt *Runtime) persistTimeout() time.Duration {
	return time.Duration(rt.Config.Session.PersistTimeoutSecs) * time.Second
}

// Close releases storage.
func (rt *Runtime) Close() error {
	return rt.close()
}
