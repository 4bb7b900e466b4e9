// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"sort"
	"sync"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
)

// =============================================================================
// PROVIDER TOOL DEFINITION
// =============================================================================

// ProviderTool is a capability native to a model provider, such as web search.
// It is toggled per model and forwarded to the provider with the request; the
// engine never executes it locally.
type ProviderTool struct {
	// Name is the identifier sent with the request (e.g., "web-search")
	Name string

	// Description explains what the tool does
	Description string

	// Requires is the supported parameter a model must list to offer the tool
	Requires string
}

// Available reports whether m can run the tool.
func (t *ProviderTool) Available(m model.ModelInfo) bool {
	return t.Requires == "" || m.Supports(t.Requires)
}

// Built-in provider tools.
var (
	WebSearchTool = &ProviderTool{
		Name:        "web-search",
		Description: "Search the web and cite results",
		Requires:    model.ParamWebSearch,
	}

	CodeInterpreterTool = &ProviderTool{
		Name:        "code-interpreter",
		Description: "Run code in a provider-hosted sandbox",
		Requires:    model.ParamTools,
	}
)

// =============================================================================
// TOOL REGISTRY
// =============================================================================

// Registry holds the provider tools a user can enable.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ProviderTool
}

// NewRegistry creates a registry with the built-in provider tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*ProviderTool)}
	r.RegisterBuiltins()
	return r
}

// RegisterBuiltins registers all built-in tools.
func (r *Registry) RegisterBuiltins() {
	r.Register(WebSearchTool)
	r.Register(CodeInterpreterTool)
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool *ProviderTool) {
	r.mu.Lock()
	r.tools[tool.Name] = tool
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) *ProviderTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []*ProviderTool {
	r.mu.RLock()
	out := make([]*ProviderTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AvailableFor returns the tools m can run.
func (r *Registry) AvailableFor(m model.ModelInfo) []*ProviderTool {
	var out []*ProviderTool
	for _, t := range r.All() {
		if t.Available(m) {
			out = append(out, t)
		}
	}
	return out
}

// Check validates that name is a known tool that m can run.
func (r *Registry) Check(m model.ModelInfo, name string) error {
	t := r.Get(name)
	if t == nil {
		return chaterr.Validation("tool", "unknown provider tool %q", name)
	}
	if !t.Available(m) {
		return chaterr.Validation("tool", "model %s does not support %s", m.ID, name)
	}
	return nil
}
