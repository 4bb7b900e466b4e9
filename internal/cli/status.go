// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - Status command implementation for prepchat.
//
// Command: status [--check]
// Short:   Show configuration, provider and storage status
// Aliases: s
//
// Examples:
//   prepchat status
//   prepchat status --check       Also contact OpenRouter
//   prepchat status --json
//
// Status Sections:
//   Provider:  Online or offline, key, catalog size, models in use
//   Storage:   Backend, data directory, conversation counts
//   Server:    Listen address and rate limit
package cli

import (
	"context"
	"fmt"
	"time"
)

// StatusData is the --json payload of status.
type StatusData struct {
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	UserID     string         `json:"user_id"`
	Provider   StatusProvider `json:"provider"`
	Storage    StatusStorage  `json:"storage"`
	Server     StatusServer   `json:"server"`
}

// StatusProvider describes the model provider.
type StatusProvider struct {
	Offline         bool   `json:"offline"`
	KeyMasked       string `json:"key,omitempty"`
	BaseURL         string `json:"base_url,omitempty"`
	CatalogSize     int    `json:"catalog_size"`
	DefaultModel    string `json:"default_model"`
	RememberedModel string `json:"remembered_model,omitempty"`
	Reachable       *bool  `json:"reachable,omitempty"`
	CheckError      string `json:"check_error,omitempty"`
	CheckLatencyMs  int64  `json:"check_latency_ms,omitempty"`
}

// StatusStorage describes conversation storage.
type StatusStorage struct {
	Backend       string `json:"backend"`
	DataDir       string `json:"data_dir"`
	Conversations int    `json:"conversations"`
	Archived      int    `json:"archived"`
	Pinned        int    `json:"pinned"`
	Error         string `json:"error,omitempty"`
}

// StatusServer describes the HTTP API settings.
type StatusServer struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPS   float64  `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
}

// HandleStatus handles the "status" command.
func HandleStatus(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw, "check")
	data, err := collectStatus(ctx, env, p.BoolFlag("check"))
	if err != nil {
		return err
	}
	if env.Args.JSON {
		return NewJSONResponse("status", data).Write(env.Out)
	}
	printStatus(env, data)
	return nil
}

func collectStatus(ctx context.Context, env *Env, check bool) (StatusData, error) {
	cfg := env.Config
	rt, err := env.Runtime()
	if err != nil {
		return StatusData{}, err
	}

	data := StatusData{
		Version: Version,
		UserID:  cfg.UserID,
		Server: StatusServer{
			Addr:           cfg.Server.Addr,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
		},
	}
	data.ConfigPath, _ = configFilePath(env)

	prov := StatusProvider{
		Offline:      rt.Offline(),
		BaseURL:      cfg.Cloud.BaseURL,
		DefaultModel: rt.defaultModel(),
	}
	if rt.Cloud != nil {
		prov.KeyMasked = rt.Cloud.APIKeyMasked()
	}
	if check && rt.Cloud != nil {
		start := time.Now()
		checkErr := rt.RefreshCatalog(ctx)
		reachable := checkErr == nil
		prov.Reachable = &reachable
		prov.CheckLatencyMs = time.Since(start).Milliseconds()
		if checkErr != nil {
			prov.CheckError = checkErr.Error()
		}
	}
	prov.CatalogSize = rt.Catalog.Len()
	if id, err := rt.Prefs.ModelPreference(ctx, cfg.UserID); err == nil {
		prov.RememberedModel = id
	}
	data.Provider = prov

	store := StatusStorage{Backend: cfg.Storage.Backend}
	store.DataDir, _ = cfg.DataDir()
	metas, err := rt.Gateway.List(ctx, cfg.UserID)
	if err != nil {
		store.Error = err.Error()
	}
	for _, m := range metas {
		store.Conversations++
		if m.Archived {
			store.Archived++
		}
		if m.Pinned {
			store.Pinned++
		}
	}
	data.Storage = store
	return data, nil
}

func printStatus(env *Env, d StatusData) {
	w := env.Out
	fmt.Fprintln(w, TitleStyle.Render("prepchat status"))
	fmt.Fprintln(w, RenderField("Version:", d.Version))
	fmt.Fprintln(w, RenderField("Config:", d.ConfigPath))
	fmt.Fprintln(w, RenderField("User:", d.UserID))

	fmt.Fprintln(w, SectionStyle.Render("Provider"))
	if d.Provider.Offline {
		fmt.Fprintln(w, RenderField("Mode:", WarningStyle.Render("offline (echo transport)")))
	} else {
		fmt.Fprintln(w, RenderField("Mode:", SuccessStyle.Render("OpenRouter")))
		fmt.Fprintln(w, RenderField("Key:", d.Provider.KeyMasked))
		if d.Provider.BaseURL != "" {
			fmt.Fprintln(w, RenderField("Base URL:", d.Provider.BaseURL))
		}
	}
	if r := d.Provider.Reachable; r != nil {
		if *r {
			fmt.Fprintln(w, RenderField("Reachable:", RenderStatus("ok")+" "+DimStyle.Render(fmt.Sprintf("%dms", d.Provider.CheckLatencyMs))))
		} else {
			fmt.Fprintln(w, RenderField("Reachable:", RenderStatus("fail")+" "+d.Provider.CheckError))
		}
	}
	fmt.Fprintln(w, RenderField("Catalog:", fmt.Sprintf("%d models", d.Provider.CatalogSize)))
	fmt.Fprintln(w, RenderField("Default model:", orDash(d.Provider.DefaultModel)))
	if d.Provider.RememberedModel != "" {
		fmt.Fprintln(w, RenderField("Selected model:", d.Provider.RememberedModel))
	}

	fmt.Fprintln(w, SectionStyle.Render("Storage"))
	fmt.Fprintln(w, RenderField("Backend:", d.Storage.Backend))
	fmt.Fprintln(w, RenderField("Data dir:", d.Storage.DataDir))
	if d.Storage.Error != "" {
		fmt.Fprintln(w, RenderField("Conversations:", ErrorStyle.Render(d.Storage.Error)))
	} else {
		fmt.Fprintln(w, RenderField("Conversations:", fmt.Sprintf("%d (%d pinned, %d archived)",
			d.Storage.Conversations, d.Storage.Pinned, d.Storage.Archived)))
	}

	fmt.Fprintln(w, SectionStyle.Render("Server"))
	fmt.Fprintln(w, RenderField("Address:", d.Server.Addr))
	fmt.Fprintln(w, RenderField("Rate limit:", fmt.Sprintf("%.1f/s, burst %d", d.Server.RateLimitRPS, d.Server.RateLimitBurst)))
}
