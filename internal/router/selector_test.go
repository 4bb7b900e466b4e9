// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/files"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/storage"
)

const (
	visionModel = "openai/gpt-4o"
	textModel   = "deepseek/deepseek-r1"
)

func newSelector(t *testing.T) (*Selector, *files.Service, storage.PreferenceStore) {
	t.Helper()
	prefs := storage.NewFilePreferences(filepath.Join(t.TempDir(), "prefs.json"))
	previews := files.NewService(nil)
	return NewSelector(model.DefaultCatalog(), nil, prefs, previews, nil), previews, prefs
}

func png(name string) files.File {
	return files.File{Name: name, MediaType: "image/png", Data: []byte{1, 2, 3}}
}

func TestSelector_SelectModel(t *testing.T) {
	s, _, prefs := newSelector(t)
	ctx := context.Background()

	sel, err := s.SelectModel(ctx, "u1", visionModel)
	require.NoError(t, err)
	require.Equal(t, visionModel, sel.ModelID)
	require.Equal(t, "openai", sel.Provider)
	require.True(t, sel.SupportsImages)

	remembered, err := prefs.ModelPreference(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, visionModel, remembered)

	_, err = s.SelectModel(ctx, "u1", "nope/model")
	var nf *chaterr.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, visionModel, s.Selection().ModelID, "failed select keeps the old model")
}

func TestSelector_ModelChangeClearsTools(t *testing.T) {
	s, _, _ := newSelector(t)
	ctx := context.Background()

	require.Error(t, s.EnableTool("web-search"), "no model selected")

	_, err := s.SelectModel(ctx, "", visionModel)
	require.NoError(t, err)
	require.NoError(t, s.EnableTool("web-search"))
	require.NoError(t, s.EnableTool("web-search"))
	require.Equal(t, []string{"web-search"}, s.Selection().EnabledTools)

	_, err = s.SelectModel(ctx, "", "openai/gpt-4o-mini")
	require.NoError(t, err)
	require.Empty(t, s.Selection().EnabledTools)

	require.Error(t, s.EnableTool("teleport"))
	s.DisableTool("web-search")
}

func TestSelector_EnableToolUnsupported(t *testing.T) {
	s, _, _ := newSelector(t)
	_, err := s.SelectModel(context.Background(), "", textModel)
	require.NoError(t, err)

	err = s.EnableTool("web-search")
	var ve *chaterr.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Empty(t, s.Selection().EnabledTools)
}

func TestSelector_TextModelDiscardsStagedFiles(t *testing.T) {
	s, previews, _ := newSelector(t)
	ctx := context.Background()

	_, err := s.SelectModel(ctx, "", visionModel)
	require.NoError(t, err)
	_, err = s.Stage(png("a.png"))
	require.NoError(t, err)
	_, err = s.Stage(files.File{Name: "notes.txt", MediaType: "text/plain", Data: []byte("x")})
	require.NoError(t, err)
	require.Len(t, previews.Outstanding(), 2)

	// Another vision model keeps the staged files.
	_, err = s.SelectModel(ctx, "", "openai/gpt-4o-mini")
	require.NoError(t, err)
	require.Len(t, s.Staged(), 2)

	_, err = s.SelectModel(ctx, "", textModel)
	require.NoError(t, err)
	require.Empty(t, s.Staged())
	require.Empty(t, previews.Outstanding(), "every preview released")
}

func TestSelector_StageRules(t *testing.T) {
	s, previews, _ := newSelector(t)

	_, err := s.Stage(png("a.png"))
	require.Error(t, err, "images need a vision model")

	s.Select(visionModel, "openai", true)
	_, err = s.Stage(files.File{Name: "empty.txt", MediaType: "text/plain"})
	require.Error(t, err)

	sf, err := s.Stage(png("a.png"))
	require.NoError(t, err)
	att := s.Attachments()
	require.Len(t, att, 1)
	require.Equal(t, "a.png", att[0].Filename)
	require.Equal(t, "data:image/png;base64,AQID", att[0].DataURL)

	require.True(t, s.Unstage(sf.Preview.URL))
	require.False(t, s.Unstage(sf.Preview.URL))
	require.Empty(t, previews.Outstanding())

	for i := 0; i < files.MaxFiles; i++ {
		_, err = s.Stage(png("b.png"))
		require.NoError(t, err)
	}
	_, err = s.Stage(png("c.png"))
	require.Error(t, err)

	require.Len(t, s.TakeStaged(), files.MaxFiles)
	require.Empty(t, s.Staged())
	require.Empty(t, previews.Outstanding())

	_, err = s.Stage(png("d.png"))
	require.NoError(t, err)
	s.ReleaseAll()
	require.Empty(t, s.Staged())
	require.Empty(t, previews.Outstanding())
}

func TestSelector_UnknownModelStub(t *testing.T) {
	s, _, _ := newSelector(t)
	s.Select("acme/new-model", "acme", false)

	sel := s.Selection()
	require.Equal(t, "acme/new-model", sel.ModelID)
	require.False(t, sel.SupportsImages)
	require.False(t, sel.SupportsReasoning())
	require.Error(t, s.EnableTool("web-search"))
}

func TestSelector_Restore(t *testing.T) {
	s, _, prefs := newSelector(t)
	ctx := context.Background()

	ok, err := s.Restore(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok, "nothing remembered")

	require.NoError(t, prefs.SetModelPreference(ctx, "u1", textModel))
	ok, err = s.Restore(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, textModel, s.Selection().ModelID)
	require.True(t, s.Selection().SupportsReasoning())

	require.NoError(t, prefs.SetModelPreference(ctx, "u1", "retired/model"))
	ok, err = s.Restore(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, s.Selection().IsZero())
}

func TestSelector_CheapestModel(t *testing.T) {
	s, _, _ := newSelector(t)
	require.Equal(t, "google/gemini-2.0-flash-exp:free", s.CheapestModel())

	empty := NewSelector(model.NewCatalog(), nil, nil, nil, nil)
	require.Equal(t, "", empty.CheapestModel())
}
