// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"io/fs"
	"sync"

	"github.com/jeranaias/prepchat/internal/util"
)

// PreferenceStore remembers each user's preferred model.
type PreferenceStore interface {
	// ModelPreference returns the stored model id, or "" when unset.
	ModelPreference(ctx context.Context, userID string) (string, error)
	SetModelPreference(ctx context.Context, userID, modelID string) error
}

// FilePreferences keeps preferences in a single JSON document.
type FilePreferences struct {
	path string
	mu   sync.Mutex
}

var _ PreferenceStore = (*FilePreferences)(nil)

// NewFilePreferences returns a store backed by the JSON file at path.
func NewFilePreferences(path string) *FilePreferences {
	return &FilePreferences{path: path}
}

type preferencesFile struct {
	Models map[string]string `json:"models"`
}

// ModelPreference implements PreferenceStore.
func (p *FilePreferences) ModelPreference(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.load()
	if err != nil {
		return "", err
	}
	return doc.Models[userID], nil
}

// SetModelPreference implements PreferenceStore.
func (p *FilePreferences) SetModelPreference(ctx context.Context, userID, modelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	doc, err := p.load()
	if err != nil {
		return err
	}
	doc.Models[userID] = modelID
	return util.WriteJSONAtomic(p.path, doc, 0600)
}

func (p *FilePreferences) load() (*preferencesFile, error) {
	doc := &preferencesFile{}
	if err := util.ReadJSON(p.path, doc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if doc.Models == nil {
		doc.Models = make(map[string]string)
	}
	return doc, nil
}
