// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package title derives conversation titles.
//
// Provisional titles are cut from the first user message and are always
// available. Synthesizer asks a low-cost model for a short title; callers
// keep the provisional title when it fails.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/prepchat/internal/util"
)

const (
	// ProvisionalRunes is the length of a provisional title before the ellipsis
	ProvisionalRunes = 40

	// MaxWords caps a synthesized title
	MaxWords = 6

	// maxPromptRunes bounds how much of the message is sent to the model
	maxPromptRunes = 500

	// DefaultTitle is used when there is no text to derive a title from
	DefaultTitle = "New Conversation"
)

// Prompt asks for a title. %s is replaced by the user's first message.
const Prompt = `Write a title of 3 to 6 words for a conversation that starts with the message below.
Reply with the title only: no quotes, no trailing punctuation.

Message:
%s`

var (
	// ErrNoGenerator is returned when no model client is configured
	ErrNoGenerator = errors.New("title: no generator configured")

	// ErrEmptyTitle is returned when the model reply holds no usable title
	ErrEmptyTitle = errors.New("title: model returned an empty title")
)

// =============================================================================
// PROVISIONAL
// =============================================================================

// Provisional returns the first ProvisionalRunes runes of text with
// whitespace collapsed, followed by an ellipsis when text was longer.
func Provisional(text string) string {
	text = util.CollapseSpace(norm.NFC.String(text))
	if text == "" {
		return DefaultTitle
	}
	runes := []rune(text)
	if len(runes) <= ProvisionalRunes {
		return text
	}
	return strings.TrimRightFunc(string(runes[:ProvisionalRunes]), unicode.IsSpace) + util.Ellipsis
}

// =============================================================================
// NORMALISATION
// =============================================================================

// Normalize cleans a model reply into a title: first non-empty line, label
// and quotes stripped, whitespace collapsed, at most MaxWords words. It
// returns "" when nothing usable remains.
func Normalize(raw string) string {
	raw = norm.NFC.String(raw)

	line := ""
	for _, l := range strings.Split(raw, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}

	// Models sometimes label or format the answer.
	line = strings.TrimLeft(line, "#*-> ")
	if i := strings.Index(line, ":"); i >= 0 && strings.EqualFold(strings.TrimSpace(line[:i]), "title") {
		line = line[i+1:]
	}
	line = strings.Trim(strings.TrimSpace(line), "\"'`*“”‘’")
	line = strings.TrimRight(line, ".!;:, ")

	words := strings.Fields(line)
	if len(words) > MaxWords {
		words = words[:MaxWords]
	}
	return strings.Join(words, " ")
}

// =============================================================================
// SYNTHESIZER
// =============================================================================

// Generator runs a single non-streaming completion.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Synthesizer requests titles from a model.
type Synthesizer struct {
	Generator Generator

	// PickModel chooses the model per request, normally the cheapest tier.
	// Nil or "" leaves the choice to the generator.
	PickModel func() string

	Logger *slog.Logger
}

// Title returns a normalised title for a conversation that starts with
// firstMessage. It makes exactly one request and never retries.
func (s *Synthesizer) Title(ctx context.Context, firstMessage string) (string, error) {
	if s == nil || s.Generator == nil {
		return "", ErrNoGenerator
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	model := ""
	if s.PickModel != nil {
		model = s.PickModel()
	}

	text := util.TruncateRunes(util.CollapseSpace(firstMessage), maxPromptRunes)
	raw, err := s.Generator.Generate(ctx, model, fmt.Sprintf(Prompt, text))
	if err != nil {
		logger.Debug("title request failed", "model", model, "error", err)
		return "", fmt.Errorf("title: %w", err)
	}

	title := Normalize(raw)
	if title == "" {
		return "", ErrEmptyTitle
	}
	logger.Debug("generated title", "model", model, "title", title)
	return title, nil
}
