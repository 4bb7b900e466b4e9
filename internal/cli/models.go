// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - Model catalog command for the prepchat CLI.
//
// Command: models [--refresh] [--free]
//
// Examples:
//   prepchat models
//   prepchat models --refresh        Fetch the live list from OpenRouter
//   prepchat models --free --json
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/util"
)

// ModelEntry is the --json form of one catalog model.
type ModelEntry struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Provider       string   `json:"provider"`
	Tier           string   `json:"tier"`
	ContextLength  int      `json:"context_length"`
	PromptPrice    float64  `json:"prompt_price_per_mtok"`
	CompletionCost float64  `json:"completion_price_per_mtok"`
	SupportsImages bool     `json:"supports_images"`
	Reasoning      bool     `json:"reasoning"`
	Tools          []string `json:"tools,omitempty"`
	Selected       bool     `json:"selected,omitempty"`
}

// HandleModels handles the "models" command.
func HandleModels(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw, "refresh", "free")
	rt, err := env.Runtime()
	if err != nil {
		return err
	}

	if p.BoolFlag("refresh") || env.Config.Cloud.RefreshCatalog {
		if rt.Offline() {
			env.status("%s", WarningStyle.Render("offline: showing the built-in catalog"))
		} else if err := rt.RefreshCatalog(ctx); err != nil {
			return err
		}
	}

	selected := ""
	if env.Config.UserID != "" {
		if id, err := rt.Prefs.ModelPreference(ctx, env.Config.UserID); err == nil {
			selected = id
		}
	}

	models := rt.Catalog.List()
	if p.BoolFlag("free") {
		models = filterModels(models, func(m model.ModelInfo) bool { return !m.Tier.IsPaid() })
	}

	if env.Args.JSON {
		out := make([]ModelEntry, len(models))
		for i, m := range models {
			out[i] = ModelEntry{
				ID:             m.ID,
				Name:           m.Name,
				Provider:       m.Provider,
				Tier:           string(m.Tier),
				ContextLength:  m.ContextLength,
				PromptPrice:    m.Pricing.Prompt,
				CompletionCost: m.Pricing.Completion,
				SupportsImages: m.SupportsImages(),
				Reasoning:      m.SupportsReasoning(),
				Tools:          toolNames(rt, m),
				Selected:       m.ID == selected,
			}
		}
		return NewJSONResponse("models", out).Write(env.Out)
	}
	return printModels(env.Out, rt, models, selected)
}

// printModelTable prints the whole catalog, marking selected.
func printModelTable(w io.Writer, catalog *model.Catalog, selected string) error {
	return printModels(w, nil, catalog.List(), selected)
}

func printModels(w io.Writer, rt *Runtime, models []model.ModelInfo, selected string) error {
	if len(models) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No models available."))
		return nil
	}
	fmt.Fprintf(w, "  %s %s %s %s\n",
		util.PadRight("MODEL", 40), util.PadRight("TIER", 5), util.PadRight("CONTEXT", 8), "PRICE/MTOK (in/out)  FEATURES")
	for _, m := range models {
		marker := " "
		if m.ID == selected {
			marker = SuccessStyle.Render("*")
		}
		var features []string
		if m.SupportsImages() {
			features = append(features, "images")
		}
		if m.SupportsReasoning() {
			features = append(features, "reasoning")
		}
		if rt != nil {
			features = append(features, toolNames(rt, m)...)
		}
		price := "free"
		if m.Tier.IsPaid() {
			price = fmt.Sprintf("$%.2f/$%.2f", m.Pricing.Prompt, m.Pricing.Completion)
		}
		fmt.Fprintf(w, "%s %s %s %s %s %s\n", marker,
			util.PadRight(util.TruncateWidth(m.ID, 40), 40),
			util.PadRight(string(m.Tier), 5),
			util.PadRight(formatContext(m.ContextLength), 8),
			util.PadRight(price, 20),
			DimStyle.Render(strings.Join(features, ", ")))
	}
	return nil
}

func toolNames(rt *Runtime, m model.ModelInfo) []string {
	var names []string
	for _, t := range rt.Registry.AvailableFor(m) {
		names = append(names, t.Name)
	}
	return names
}

func filterModels(models []model.ModelInfo, keep func(model.ModelInfo) bool) []model.ModelInfo {
	out := models[:0:0]
	for _, m := range models {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func formatContext(n int) string {
	switch {
	case n <= 0:
		return "-"
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%dK", n/1000)
	}
	return fmt.Sprintf("%d", n)
}
