// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/prepchat/internal/chat"
	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/session"
	"github.com/jeranaias/prepchat/internal/util"
)

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes the growth of an assistant message as snapshots
// arrive. Snapshots may skip intermediate states, so it prints the suffix
// it has not printed yet rather than individual chunks.
type streamPrinter struct {
	out           io.Writer
	status        io.Writer
	showReasoning bool

	text      int
	reasoning int
	inThought bool
	tools     map[string]model.ToolState
}

func newStreamPrinter(out, status io.Writer, showReasoning bool) *streamPrinter {
	return &streamPrinter{
		out:           out,
		status:        status,
		showReasoning: showReasoning,
		tools:         make(map[string]model.ToolState),
	}
}

// Update prints whatever snap adds to the assistant message.
func (p *streamPrinter) Update(snap session.Snapshot) {
	if snap.Assistant == nil {
		return
	}
	msg := *snap.Assistant

	if p.showReasoning {
		if r := model.GetReasoning(msg); len(r) > p.reasoning {
			if !p.inThought {
				fmt.Fprint(p.status, DimStyle.Render("[thinking] "))
				p.inThought = true
			}
			fmt.Fprint(p.status, ReasoningStyle.Render(r[p.reasoning:]))
			p.reasoning = len(r)
		}
	}

	for _, tc := range model.GetToolCalls(msg) {
		if p.tools[tc.ID] == tc.State {
			continue
		}
		p.tools[tc.ID] = tc.State
		p.endThought()
		line := fmt.Sprintf("[tool %s: %s]", tc.Name, tc.State)
		style := InfoStyle
		if tc.State == model.ToolOutputError {
			style = WarningStyle
			if tc.ErrorText != "" {
				line = fmt.Sprintf("[tool %s: %s: %s]", tc.Name, tc.State, tc.ErrorText)
			}
		}
		fmt.Fprintln(p.status, style.Render(line))
	}

	if t := model.GetText(msg); len(t) > p.text {
		p.endThought()
		fmt.Fprint(p.out, t[p.text:])
		p.text = len(t)
	}
}

func (p *streamPrinter) endThought() {
	if p.inThought {
		fmt.Fprintln(p.status)
		p.inThought = false
	}
}

// Finish terminates the output line.
func (p *streamPrinter) Finish() {
	p.endThought()
	if p.text > 0 {
		fmt.Fprintln(p.out)
	}
}

// =============================================================================
// FOLLOWING A RESPONSE
// =============================================================================

// followResponse prints the response streaming under key until it settles
// and returns the settled snapshot. Cancelling ctx stops the response; the
// cancelled snapshot is still returned.
//
// It must be called after a successful send so the first snapshot already
// belongs to the new response.
func followResponse(ctx context.Context, svc *chat.Service, key string, p *streamPrinter) (session.Snapshot, error) {
	sub, cancel, err := svc.Subscribe(key)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer cancel()

	stopped := false
	done := ctx.Done()
	for {
		select {
		case snap, ok := <-sub:
			if !ok {
				return session.Snapshot{}, chat.ErrServiceClosed
			}
			p.Update(snap)
			if snap.Phase.Settled() {
				p.Finish()
				return snap, nil
			}
		case <-done:
			if !stopped {
				svc.Stop(key)
				stopped = true
			}
			// Keep reading until the controller publishes the cancellation.
			done = nil
		}
	}
}

// waitBackground waits for title synthesis and other follow-up work under
// key, giving up after limit.
func waitBackground(svc *chat.Service, key string, limit time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		svc.Wait(key)
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(limit):
		return false
	}
}

// settledError returns the error a settled snapshot carries, or nil for a
// complete response. Cancellation is reported as context.Canceled.
func settledError(snap session.Snapshot) error {
	switch snap.Phase {
	case session.PhaseError:
		if snap.Err != nil {
			return snap.Err
		}
		if snap.Assistant != nil {
			info := model.GetErrorDetails(*snap.Assistant)
			pe := &chaterr.ProviderError{Message: info.Message}
			if info.Details != nil {
				pe.Code = info.Details.Code
			}
			return pe
		}
		return &chaterr.ProviderError{Message: "response failed"}
	case session.PhaseCancelled:
		return context.Canceled
	}
	return nil
}

// =============================================================================
// STATUS LINES
// =============================================================================

// renderResponseStats renders the line printed after a response.
func renderResponseStats(snap session.Snapshot, elapsed time.Duration, showTokens, showCost bool) string {
	parts := []string{RenderStatus(string(snap.Phase))}
	if snap.Assistant != nil {
		msg := *snap.Assistant
		if msg.Model != "" {
			parts = append(parts, HighlightStyle.Render(msg.Model))
		}
		if md := msg.Metadata; md != nil {
			if showTokens && (md.PromptTokens > 0 || md.CompletionTokens > 0) {
				parts = append(parts, fmt.Sprintf("%d in / %d out", md.PromptTokens, md.CompletionTokens))
			}
			if showCost && md.Cost > 0 {
				parts = append(parts, util.FormatCost(md.Cost))
			}
		}
	}
	parts = append(parts, formatDurationShort(elapsed))
	if n := len(snap.Unsynced); n > 0 {
		parts = append(parts, WarningStyle.Render(fmt.Sprintf("%d unsaved", n)))
	}
	return DimStyle.Render("─ ") + strings.Join(parts, DimStyle.Render(" | "))
}

// =============================================================================
// TRANSCRIPTS
// =============================================================================

// renderTranscript writes every message of conv with its index, the way
// /history and show print it.
func renderTranscript(w io.Writer, conv *model.Conversation, showReasoning bool) {
	fmt.Fprintln(w, TitleStyle.Render(conv.GetTitle()))
	for i, msg := range conv.Messages {
		renderMessage(w, i, msg, showReasoning)
	}
}

func renderMessage(w io.Writer, index int, msg model.Message, showReasoning bool) {
	who := "you"
	style := PromptStyle
	if msg.Role == model.RoleAssistant {
		who = "assistant"
		style = HighlightStyle
		if msg.Model != "" {
			who += " (" + msg.Model + ")"
		}
	}
	fmt.Fprintf(w, "%s %s\n", DimStyle.Render(fmt.Sprintf("[%d]", index)), style.Render(who))

	if showReasoning {
		if r := model.GetReasoning(msg); r != "" {
			fmt.Fprintln(w, ReasoningStyle.Render(WrapText(r, 0)))
		}
	}
	for _, f := range model.GetFiles(msg) {
		fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("  [file %s, %s]", f.Filename, f.MediaType)))
	}
	for _, tc := range model.GetToolCalls(msg) {
		fmt.Fprintln(w, InfoStyle.Render(fmt.Sprintf("  [tool %s: %s]", tc.Name, tc.State)))
	}
	if text := model.GetText(msg); text != "" {
		fmt.Fprintln(w, WrapText(text, 0))
	}
	if model.IsError(msg) {
		info := model.GetErrorDetails(msg)
		fmt.Fprintln(w, ErrorStyle.Render("  error: "+info.Message))
	}
	fmt.Fprintln(w)
}
