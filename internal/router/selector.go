// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/files"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/stream"
	"github.com/jeranaias/prepchat/internal/tools"
)

// =============================================================================
// SELECTION
// =============================================================================

// Selection is the user's current model choice.
type Selection struct {
	ModelID        string   `json:"model_id"`
	Provider       string   `json:"provider"`
	SupportsImages bool     `json:"supports_images"`
	EnabledTools   []string `json:"enabled_tools"`

	// Info is the catalog entry, or a stub built from the fields above for
	// models the catalog does not know.
	Info model.ModelInfo `json:"-"`
}

// IsZero reports whether no model is selected.
func (s Selection) IsZero() bool { return s.ModelID == "" }

// SupportsReasoning reports whether a reasoning trace should be requested.
func (s Selection) SupportsReasoning() bool { return s.Info.SupportsReasoning() }

// StagedFile is an attachment waiting to be sent.
type StagedFile struct {
	File    files.File
	Preview files.Preview
}

// =============================================================================
// SELECTOR
// =============================================================================

// Selector owns one user's model selection, enabled provider tools and
// staged attachments.
type Selector struct {
	catalog  *model.Catalog
	registry *tools.Registry
	prefs    storage.PreferenceStore
	previews *files.Service
	log      *slog.Logger

	mu     sync.Mutex
	sel    Selection
	staged []StagedFile
}

// NewSelector creates a selector with nothing selected. prefs may be nil,
// in which case selections are not remembered.
func NewSelector(catalog *model.Catalog, registry *tools.Registry, prefs storage.PreferenceStore, previews *files.Service, logger *slog.Logger) *Selector {
	if catalog == nil {
		catalog = model.DefaultCatalog()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if previews == nil {
		previews = files.NewService(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{catalog: catalog, registry: registry, prefs: prefs, previews: previews, log: logger}
}

// Catalog returns the catalog the selector resolves ids against.
func (s *Selector) Catalog() *model.Catalog { return s.catalog }

// Registry returns the provider tool registry.
func (s *Selector) Registry() *tools.Registry { return s.registry }

// Previews returns the preview service backing staged attachments.
func (s *Selector) Previews() *files.Service { return s.previews }

// Selection returns the current selection.
func (s *Selector) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sel
	out.EnabledTools = slices.Clone(s.sel.EnabledTools)
	return out
}

// Select changes the model. Enabled tools are always cleared, and staged
// attachments are discarded when the new model lacks image support.
func (s *Selector) Select(modelID, provider string, supportsImages bool) {
	info, known := s.catalog.Lookup(modelID)
	if !known {
		info = model.ModelInfo{ID: modelID, Name: modelID, Provider: provider, InputModalities: []string{"text"}}
		if supportsImages {
			info.InputModalities = append(info.InputModalities, "image")
		}
	}

	s.mu.Lock()
	s.sel = Selection{ModelID: modelID, Provider: provider, SupportsImages: supportsImages, Info: info}
	var dropped []StagedFile
	if !supportsImages {
		dropped, s.staged = s.staged, nil
	}
	s.mu.Unlock()

	s.release(dropped)
	if len(dropped) > 0 {
		s.log.Info("discarded staged attachments", "model", modelID, "count", len(dropped))
	}
}

// SelectModel selects a catalog model and remembers it for userID.
func (s *Selector) SelectModel(ctx context.Context, userID, modelID string) (Selection, error) {
	info, ok := s.catalog.Lookup(modelID)
	if !ok {
		return Selection{}, chaterr.NotFound("model", modelID)
	}
	s.Select(info.ID, info.Provider, info.SupportsImages())
	if s.prefs != nil && userID != "" {
		if err := s.prefs.SetModelPreference(ctx, userID, info.ID); err != nil {
			return s.Selection(), fmt.Errorf("remember model: %w", err)
		}
	}
	return s.Selection(), nil
}

// Clear drops the selection, enabled tools and staged attachments.
func (s *Selector) Clear() {
	s.mu.Lock()
	s.sel = Selection{}
	dropped := s.staged
	s.staged = nil
	s.mu.Unlock()
	s.release(dropped)
}

// Restore re-applies the remembered model for userID. It reports whether a
// selection was restored; an id missing from the catalog restores to none.
func (s *Selector) Restore(ctx context.Context, userID string) (bool, error) {
	if s.prefs == nil {
		return false, nil
	}
	id, err := s.prefs.ModelPreference(ctx, userID)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	info, ok := s.catalog.Lookup(id)
	if !ok {
		s.log.Warn("remembered model not in catalog", "user", userID, "model", id)
		s.Clear()
		return false, nil
	}
	s.Select(info.ID, info.Provider, info.SupportsImages())
	return true, nil
}

// CheapestModel returns the lowest priced catalog model, or "" for an
// empty catalog.
func (s *Selector) CheapestModel() string {
	if m, ok := s.catalog.Cheapest(); ok {
		return m.ID
	}
	return ""
}

// =============================================================================
// PROVIDER TOOLS
// =============================================================================

// EnableTool turns on a provider tool for the selected model.
func (s *Selector) EnableTool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sel.IsZero() {
		return chaterr.Validation("model", "select a model before enabling tools")
	}
	if err := s.registry.Check(s.sel.Info, name); err != nil {
		return err
	}
	if !slices.Contains(s.sel.EnabledTools, name) {
		s.sel.EnabledTools = append(s.sel.EnabledTools, name)
	}
	return nil
}

// DisableTool turns off a provider tool. Disabling a tool that is not
// enabled is a no-op.
func (s *Selector) DisableTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.EnabledTools = slices.DeleteFunc(s.sel.EnabledTools, func(t string) bool { return t == name })
}

// =============================================================================
// STAGED ATTACHMENTS
// =============================================================================

// Stage validates f and holds it for the next send.
func (s *Selector) Stage(f files.File) (StagedFile, error) {
	v := files.ValidateFiles([]files.File{f})
	if !v.OK() {
		return StagedFile{}, chaterr.Validation("file", "%s", v.Invalid[0].Reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if files.IsImageFile(f) && !s.sel.SupportsImages {
		return StagedFile{}, chaterr.Validation("file", "the selected model does not accept images")
	}
	if len(s.staged) >= files.MaxFiles {
		return StagedFile{}, chaterr.Validation("file", "at most %d files per message", files.MaxFiles)
	}
	sf := StagedFile{File: f, Preview: s.previews.CreatePreview(f)}
	s.staged = append(s.staged, sf)
	return sf, nil
}

// Unstage removes one staged file and releases its preview.
func (s *Selector) Unstage(previewURL string) bool {
	s.mu.Lock()
	i := slices.IndexFunc(s.staged, func(sf StagedFile) bool { return sf.Preview.URL == previewURL })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	sf := s.staged[i]
	s.staged = slices.Delete(s.staged, i, i+1)
	s.mu.Unlock()

	s.release([]StagedFile{sf})
	return true
}

// Staged returns the staged files.
func (s *Selector) Staged() []StagedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.staged)
}

// Attachments converts the staged files for a request without unstaging
// them.
func (s *Selector) Attachments() []stream.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Attachment, len(s.staged))
	for i, sf := range s.staged {
		out[i] = sf.File.Attachment()
	}
	return out
}

// TakeStaged returns the staged files as attachments and unstages them,
// releasing their previews.
func (s *Selector) TakeStaged() []stream.Attachment {
	s.mu.Lock()
	taken := s.staged
	s.staged = nil
	s.mu.Unlock()

	out := make([]stream.Attachment, len(taken))
	for i, sf := range taken {
		out[i] = sf.File.Attachment()
	}
	s.release(taken)
	return out
}

// ReleaseAll unstages every file and releases its preview.
func (s *Selector) ReleaseAll() {
	s.mu.Lock()
	dropped := s.staged
	s.staged = nil
	s.mu.Unlock()
	s.release(dropped)
}

func (s *Selector) release(staged []StagedFile) {
	for _, sf := range staged {
		s.previews.RevokePreview(sf.Preview)
	}
}
