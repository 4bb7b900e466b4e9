// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// TIER TYPE
// =============================================================================

// Tier groups catalog models by plan.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// IsPaid returns true if the tier incurs API costs.
func (t Tier) IsPaid() bool {
	return t == TierPaid
}

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// Pricing is the provider price in USD per million tokens.
type Pricing struct {
	Prompt     float64 `json:"prompt" toml:"prompt"`
	Completion float64 `json:"completion" toml:"completion"`
}

// Total returns a blended price used for ranking.
func (p Pricing) Total() float64 {
	return p.Prompt + p.Completion
}

// Supported parameter names as reported by the OpenRouter models endpoint.
const (
	ParamTools            = "tools"
	ParamReasoning        = "reasoning"
	ParamIncludeReasoning = "include_reasoning"
	ParamWebSearch        = "web_search_options"
)

// ModelInfo contains catalog metadata about a model.
type ModelInfo struct {
	// ID is the model identifier used in API calls
	ID string `json:"id" toml:"id"`

	// Name is the human-readable display name
	Name string `json:"name" toml:"name"`

	// Provider identifies who serves the model (openai, anthropic, google...)
	Provider string `json:"provider" toml:"provider"`

	Tier          Tier    `json:"tier" toml:"tier"`
	ContextLength int     `json:"context_length" toml:"context_length"`
	Pricing       Pricing `json:"pricing" toml:"pricing"`

	// InputModalities lists accepted inputs ("text", "image", "file")
	InputModalities []string `json:"input_modalities" toml:"input_modalities"`

	// SupportedParameters lists request parameters the model honours
	SupportedParameters []string `json:"supported_parameters" toml:"supported_parameters"`

	Description string `json:"description,omitempty" toml:"description"`
}

// SupportsImages reports whether the model accepts image input.
func (m ModelInfo) SupportsImages() bool {
	return slices.Contains(m.InputModalities, "image")
}

// SupportsReasoning reports whether the model can stream a reasoning trace.
func (m ModelInfo) SupportsReasoning() bool {
	return slices.Contains(m.SupportedParameters, ParamReasoning) ||
		slices.Contains(m.SupportedParameters, ParamIncludeReasoning)
}

// SupportsTools reports whether the model can emit tool calls.
func (m ModelInfo) SupportsTools() bool {
	return slices.Contains(m.SupportedParameters, ParamTools)
}

// Supports reports whether the model lists the named request parameter.
func (m ModelInfo) Supports(param string) bool {
	return slices.Contains(m.SupportedParameters, param)
}

// String returns a short display form.
func (m ModelInfo) String() string {
	return fmt.Sprintf("%s (%s, %s)", m.Name, m.Provider, m.Tier)
}

// ProviderOf derives the provider from an OpenRouter-style id ("openai/gpt-4o").
func ProviderOf(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return ""
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the thread-safe set of models a user can select.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

// NewCatalog creates a catalog holding models.
func NewCatalog(models ...ModelInfo) *Catalog {
	c := &Catalog{}
	c.Replace(models)
	return c
}

// DefaultCatalog returns a catalog seeded with DefaultModels.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultModels...)
}

// Replace swaps the catalog contents, e.g. after a refresh from the provider.
// Models without an id are skipped; a missing provider is derived from the id.
func (c *Catalog) Replace(models []ModelInfo) {
	next := make(map[string]ModelInfo, len(models))
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		if m.Provider == "" {
			m.Provider = ProviderOf(m.ID)
		}
		if m.Tier == "" {
			m.Tier = TierPaid
			if m.Pricing.Total() == 0 {
				m.Tier = TierFree
			}
		}
		next[m.ID] = m
	}
	c.mu.Lock()
	c.models = next
	c.mu.Unlock()
}

// Lookup returns the model with the given id.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Len returns the number of models.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// List returns all models sorted by tier then name.
func (c *Catalog) List() []ModelInfo {
	c.mu.RLock()
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ByTier groups the catalog by tier.
func (c *Catalog) ByTier() map[Tier][]ModelInfo {
	groups := make(map[Tier][]ModelInfo)
	for _, m := range c.List() {
		groups[m.Tier] = append(groups[m.Tier], m)
	}
	return groups
}

// Cheapest returns the lowest-priced model, preferring free models.
// Ties are broken by id so the choice is stable.
func (c *Catalog) Cheapest() (ModelInfo, bool) {
	models := c.List()
	if len(models) == 0 {
		return ModelInfo{}, false
	}
	sort.SliceStable(models, func(i, j int) bool {
		pi, pj := models[i].Pricing.Total(), models[j].Pricing.Total()
		if pi != pj {
			return pi < pj
		}
		return models[i].ID < models[j].ID
	})
	return models[0], true
}

// =============================================================================
// DEFAULT MODELS
// =============================================================================

// DefaultModels is the built-in catalog used until a refresh succeeds.
var DefaultModels = []ModelInfo{
	{
		ID:                  "openai/gpt-4o-mini",
		Name:                "GPT-4o Mini",
		Provider:            "openai",
		Tier:                TierPaid,
		ContextLength:       128000,
		Pricing:             Pricing{Prompt: 0.15, Completion: 0.6},
		InputModalities:     []string{"text", "image", "file"},
		SupportedParameters: []string{ParamTools, ParamWebSearch, "temperature", "max_tokens"},
		Description:         "Cost-effective for practice drills",
	},
	{
		ID:                  "openai/gpt-4o",
		Name:                "GPT-4o",
		Provider:            "openai",
		Tier:                TierPaid,
		ContextLength:       128000,
		Pricing:             Pricing{Prompt: 2.5, Completion: 10},
		InputModalities:     []string{"text", "image", "file"},
		SupportedParameters: []string{ParamTools, ParamWebSearch, "temperature", "max_tokens"},
		Description:         "Multimodal model with vision",
	},
	{
		ID:                  "anthropic/claude-3.5-sonnet",
		Name:                "Claude 3.5 Sonnet",
		Provider:            "anthropic",
		Tier:                TierPaid,
		ContextLength:       200000,
		Pricing:             Pricing{Prompt: 3, Completion: 15},
		InputModalities:     []string{"text", "image"},
		SupportedParameters: []string{ParamTools, "temperature", "max_tokens"},
		Description:         "Strong mock-interview feedback",
	},
	{
		ID:                  "deepseek/deepseek-r1",
		Name:                "DeepSeek R1",
		Provider:            "deepseek",
		Tier:                TierPaid,
		ContextLength:       64000,
		Pricing:             Pricing{Prompt: 0.55, Completion: 2.19},
		InputModalities:     []string{"text"},
		SupportedParameters: []string{ParamReasoning, ParamIncludeReasoning, "temperature", "max_tokens"},
		Description:         "Shows its reasoning for system design walkthroughs",
	},
	{
		ID:                  "google/gemini-2.0-flash-exp:free",
		Name:                "Gemini 2.0 Flash (free)",
		Provider:            "google",
		Tier:                TierFree,
		ContextLength:       1048576,
		InputModalities:     []string{"text", "image"},
		SupportedParameters: []string{ParamTools, "temperature", "max_tokens"},
		Description:         "Free multimodal model",
	},
	{
		ID:                  "meta-llama/llama-3.3-70b-instruct:free",
		Name:                "Llama 3.3 70B (free)",
		Provider:            "meta-llama",
		Tier:                TierFree,
		ContextLength:       131072,
		InputModalities:     []string{"text"},
		SupportedParameters: []string{ParamTools, "temperature", "max_tokens"},
		Description:         "Free general-purpose model",
	},
}
