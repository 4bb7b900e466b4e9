// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/prepchat/internal/model"
)

// ============================================================================
// TOKEN ESTIMATION
// ============================================================================

// EstimateTokens approximates the token count of text.
// Blends a word count with the ~4 chars per token GPT-style average.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	return (words + chars/4) / 2
}

// EstimateCost returns the USD cost of a request at the given pricing.
func EstimateCost(p model.Pricing, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.Prompt + float64(outputTokens)*p.Completion) / 1_000_000
}

// ============================================================================
// USAGE STATISTICS
// ============================================================================

// UsageStats tracks cumulative statistics across settled responses.
// All methods are safe for concurrent access.
type UsageStats struct {
	mu sync.RWMutex

	// Reference prices the savings column, normally the priciest catalog model.
	Reference model.Pricing

	totalResponses int
	failed         int
	inputTokens    int
	outputTokens   int
	costUSD        float64
	savedUSD       float64
	byModel        map[string]int
}

// Usage is a point-in-time copy of UsageStats.
type Usage struct {
	TotalResponses  int            `json:"total_responses"`
	FailedResponses int            `json:"failed_responses"`
	InputTokens     int            `json:"input_tokens"`
	OutputTokens    int            `json:"output_tokens"`
	CostUSD         float64        `json:"cost_usd"`
	SavedUSD        float64        `json:"saved_usd"`
	ByModel         map[string]int `json:"by_model"`
}

// NewUsageStats creates stats priced against the most expensive model in
// catalog.
func NewUsageStats(catalog *model.Catalog) *UsageStats {
	s := &UsageStats{byModel: make(map[string]int)}
	if catalog != nil {
		for _, m := range catalog.List() {
			if m.Pricing.Total() > s.Reference.Total() {
				s.Reference = m.Pricing
			}
		}
	}
	return s
}

// Record adds a settled assistant message. Reported usage wins over
// estimates; prompt tokens are only estimated from prompt when given.
// Cancelled and failed responses usually carry no metadata at all.
func (s *UsageStats) Record(msg model.Message, info model.ModelInfo, prompt string) {
	var in, out int
	var cost float64
	if md := msg.Metadata; md != nil {
		in, out, cost = md.PromptTokens, md.CompletionTokens, md.Cost
	}
	if in == 0 && prompt != "" {
		in = EstimateTokens(prompt)
	}
	if out == 0 {
		out = EstimateTokens(model.GetText(msg) + model.GetReasoning(msg))
	}
	if cost == 0 {
		cost = EstimateCost(info.Pricing, in, out)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalResponses++
	if model.IsError(msg) {
		s.failed++
	}
	s.inputTokens += in
	s.outputTokens += out
	s.costUSD += cost
	if saved := EstimateCost(s.Reference, in, out) - cost; saved > 0 {
		s.savedUSD += saved
	}
	if msg.Model != "" {
		s.byModel[msg.Model]++
	}
}

// Snapshot returns a copy of the current statistics.
func (s *UsageStats) Snapshot() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byModel := make(map[string]int, len(s.byModel))
	for k, v := range s.byModel {
		byModel[k] = v
	}
	return Usage{
		TotalResponses:  s.totalResponses,
		FailedResponses: s.failed,
		InputTokens:     s.inputTokens,
		OutputTokens:    s.outputTokens,
		CostUSD:         s.costUSD,
		SavedUSD:        s.savedUSD,
		ByModel:         byModel,
	}
}

// TotalTokens returns input plus output tokens.
func (s *UsageStats) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputTokens + s.outputTokens
}

// Reset clears all statistics.
func (s *UsageStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalResponses = 0
	s.failed = 0
	s.inputTokens = 0
	s.outputTokens = 0
	s.costUSD = 0
	s.savedUSD = 0
	s.byModel = make(map[string]int)
}

// Summary returns a human-readable summary.
func (s *UsageStats) Summary() string {
	u := s.Snapshot()
	if u.TotalResponses == 0 {
		return "No responses yet"
	}

	models := make([]string, 0, len(u.ByModel))
	for id, n := range u.ByModel {
		models = append(models, fmt.Sprintf("%s x%d", id, n))
	}
	sort.Strings(models)

	return fmt.Sprintf(
		"%d responses (%d failed) | %d tokens in, %d out | Cost: $%.4f | Saved: $%.4f | %s",
		u.TotalResponses, u.FailedResponses, u.InputTokens, u.OutputTokens,
		u.CostUSD, u.SavedUSD, strings.Join(models, ", "),
	)
}
