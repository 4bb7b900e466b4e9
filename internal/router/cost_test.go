// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"math"
	"strings"
	"testing"

	"github.com/jeranaias/prepchat/internal/model"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d", got)
	}
	// 4 words, 19 chars: (4 + 4) / 2
	if got := EstimateTokens("what is a goroutine"); got != 4 {
		t.Errorf("EstimateTokens() = %d, want 4", got)
	}
}

func TestEstimateCost(t *testing.T) {
	p := model.Pricing{Prompt: 2.5, Completion: 10}
	got := EstimateCost(p, 1_000_000, 500_000)
	if math.Abs(got-7.5) > 1e-9 {
		t.Errorf("EstimateCost() = %v, want 7.5", got)
	}
	if EstimateCost(model.Pricing{}, 1000, 1000) != 0 {
		t.Error("free model should cost nothing")
	}
}

func TestUsageStats(t *testing.T) {
	catalog := model.DefaultCatalog()
	s := NewUsageStats(catalog)
	if s.Reference.Total() != 18 {
		t.Fatalf("Reference = %+v, want the sonnet pricing", s.Reference)
	}
	if s.Summary() != "No responses yet" {
		t.Errorf("Summary() = %q", s.Summary())
	}

	mini, _ := catalog.Lookup("openai/gpt-4o-mini")
	reported := model.NewAssistantMessage(mini.ID)
	reported.AppendText("answer")
	reported.Metadata = &model.Metadata{PromptTokens: 1000, CompletionTokens: 2000, Cost: 0.01}
	s.Record(reported, mini, "ignored when usage is reported")

	failed := model.NewAssistantMessage(mini.ID)
	failed.SetError(model.ErrorInfo{Message: "boom"})
	s.Record(failed, mini, "")

	u := s.Snapshot()
	if u.TotalResponses != 2 || u.FailedResponses != 1 {
		t.Errorf("responses = %d/%d", u.TotalResponses, u.FailedResponses)
	}
	if u.InputTokens != 1000 {
		t.Errorf("InputTokens = %d", u.InputTokens)
	}
	if u.ByModel[mini.ID] != 2 {
		t.Errorf("ByModel = %v", u.ByModel)
	}
	if u.SavedUSD <= 0 {
		t.Errorf("SavedUSD = %v, want > 0", u.SavedUSD)
	}
	if s.TotalTokens() != u.InputTokens+u.OutputTokens {
		t.Errorf("TotalTokens() = %d", s.TotalTokens())
	}
	if sum := s.Summary(); !strings.Contains(sum, "2 responses (1 failed)") || !strings.Contains(sum, mini.ID+" x2") {
		t.Errorf("Summary() = %q", sum)
	}

	s.Reset()
	if s.Snapshot().TotalResponses != 0 || s.TotalTokens() != 0 {
		t.Error("Reset() left data behind")
	}
}

func TestUsageStats_RecordWithoutMetadata(t *testing.T) {
	catalog := model.DefaultCatalog()
	s := NewUsageStats(catalog)
	mini, _ := catalog.Lookup("openai/gpt-4o-mini")

	// Cancelled and failed responses settle before any usage chunk arrives.
	cancelled := model.NewAssistantMessage(mini.ID)
	cancelled.AppendText("partial answer")
	cancelled.SetError(model.ErrorInfo{Message: "cancelled"})
	s.Record(cancelled, mini, "what is a goroutine")

	failed := model.NewAssistantMessage(mini.ID)
	failed.SetError(model.ErrorInfo{Message: "connection reset"})
	s.Record(failed, mini, "")

	u := s.Snapshot()
	if u.TotalResponses != 2 || u.FailedResponses != 2 {
		t.Errorf("responses = %d/%d, want 2/2", u.TotalResponses, u.FailedResponses)
	}
	if u.InputTokens != EstimateTokens("what is a goroutine") {
		t.Errorf("InputTokens = %d, want the prompt estimate", u.InputTokens)
	}
	if u.OutputTokens == 0 {
		t.Error("OutputTokens = 0, want an estimate from the partial text")
	}
}
