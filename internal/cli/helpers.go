// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/files"
	"github.com/jeranaias/prepchat/internal/router"
)

// MaxStdinQuestion caps a question piped on stdin.
const MaxStdinQuestion = 1 << 20

// formatDurationShort formats a short duration string.
func formatDurationShort(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return t.Format("2006-01-02")
}

// readQuestion reads a question piped on stdin.
func readQuestion(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxStdinQuestion+1))
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(data) > MaxStdinQuestion {
		return "", NewValidationError("question", "", "stdin input exceeds 1 MB")
	}
	return strings.TrimSpace(string(data)), nil
}

// applySelection points sel at modelID without remembering it, enables the
// named provider tools and stages the files at paths. Tools and files need a
// selected model, so fallback is selected when there is none. Files that
// fail validation are skipped and reported as warnings; everything else
// fails.
func applySelection(sel *router.Selector, modelID, fallback string, toolNames, paths []string) ([]string, error) {
	if modelID == "" && sel.Selection().IsZero() && (len(toolNames) > 0 || len(paths) > 0) {
		modelID = fallback
	}
	if modelID != "" {
		info, ok := sel.Catalog().Lookup(modelID)
		if !ok {
			return nil, chaterr.NotFound("model", modelID)
		}
		sel.Select(info.ID, info.Provider, info.SupportsImages())
	}
	for _, name := range toolNames {
		if err := sel.EnableTool(name); err != nil {
			return nil, err
		}
	}

	var loaded []files.File
	for _, p := range paths {
		f, err := files.Load(p)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, f)
	}

	var warnings []string
	v := files.ValidateFiles(loaded)
	if !v.OK() {
		warnings = append(warnings, v.Warning())
	}
	for _, f := range v.Valid {
		if _, err := sel.Stage(f); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", f.Name, err))
		}
	}
	return warnings, nil
}
