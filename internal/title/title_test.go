// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package title

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/jeranaias/prepchat/internal/cloud"
)

func TestProvisional(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "Explain closures", "Explain closures"},
		{"collapses whitespace", "  Explain\n\tclosures  ", "Explain closures"},
		{"empty", "   ", DefaultTitle},
		{"exactly forty", strings.Repeat("a", 40), strings.Repeat("a", 40)},
		{"truncated", strings.Repeat("b", 41), strings.Repeat("b", 40) + "…"},
		{"trailing space before cut", strings.Repeat("c", 39) + " dddd", strings.Repeat("c", 39) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Provisional(tt.in); got != tt.want {
				t.Errorf("Provisional(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestProvisional_CountsRunes(t *testing.T) {
	got := Provisional(strings.Repeat("日", 50))
	if n := utf8.RuneCountInString(got); n != 41 {
		t.Errorf("rune count = %d, want 41", n)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Understanding Go Closures"`, "Understanding Go Closures"},
		{"Title: Goroutine Scheduling Basics.", "Goroutine Scheduling Basics"},
		{"\n\n**Map Growth in Go**\nExtra commentary", "Map Growth in Go"},
		{"one two three four five six seven eight", "one two three four five six"},
		{"   ", ""},
		{"“Channels Explained”", "Channels Explained"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeGenerator struct {
	reply  string
	err    error
	model  string
	prompt string
	calls  int
}

func (f *fakeGenerator) Generate(_ context.Context, model, prompt string) (string, error) {
	f.calls++
	f.model, f.prompt = model, prompt
	return f.reply, f.err
}

func TestSynthesizer_Title(t *testing.T) {
	gen := &fakeGenerator{reply: "'Closures in JavaScript'"}
	s := &Synthesizer{Generator: gen, PickModel: func() string { return "google/gemini-2.0-flash-exp:free" }}

	got, err := s.Title(context.Background(), "Explain   closures")
	if err != nil {
		t.Fatalf("Title() error = %v", err)
	}
	if got != "Closures in JavaScript" {
		t.Errorf("Title() = %q", got)
	}
	if gen.model != "google/gemini-2.0-flash-exp:free" {
		t.Errorf("model = %q", gen.model)
	}
	if !strings.Contains(gen.prompt, "Explain closures") {
		t.Errorf("prompt = %q", gen.prompt)
	}
}

func TestSynthesizer_FailuresDoNotRetry(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("rate limit exceeded")}
	s := &Synthesizer{Generator: gen}
	if _, err := s.Title(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if gen.calls != 1 {
		t.Errorf("calls = %d, want 1", gen.calls)
	}

	empty := &Synthesizer{Generator: &fakeGenerator{reply: "  \n "}}
	if _, err := empty.Title(context.Background(), "hi"); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("empty reply error = %v", err)
	}

	var none *Synthesizer
	if _, err := none.Title(context.Background(), "hi"); !errors.Is(err, ErrNoGenerator) {
		t.Errorf("nil synthesizer error = %v", err)
	}
}

func TestSynthesizer_OpenRouterServerErrorIsSingleRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":503,"message":"overloaded"}}`))
	}))
	defer server.Close()

	client := cloud.NewOpenRouterClient("sk-or-test").WithBaseURL(server.URL).WithMaxRetries(3)
	s := &Synthesizer{Generator: client, PickModel: func() string { return "openai/gpt-4o-mini" }}
	if _, err := s.Title(context.Background(), "Explain closures"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}
