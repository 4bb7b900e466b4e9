// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single question command handler for the prepchat CLI.
//
// Sends one question through a chat session, streams the answer to stdout
// and exits once the response and its title have settled.
//
// Command: ask [question]
// Short:   Ask a single question
//
// Examples:
//   prepchat ask "What is a closure?"
//   prepchat ask -m openai/gpt-4o-mini "Explain the CAP theorem"
//   prepchat ask -f resume.pdf "Which gaps would an interviewer ask about?"
//   prepchat ask -c conv_01J... "And what about sharding?"
//   echo "Summarize TCP slow start" | prepchat ask --json
//
// Flags:
//   -m, --model ID          Model for this question only (not remembered)
//   -f, --file PATH         Attach a file (repeatable)
//   -t, --tool NAME         Enable a provider tool (repeatable)
//   -c, --conversation ID   Continue an existing conversation
//   --interview ID          Link a new conversation to an interview
//   --learning-path ID      Link a new conversation to a learning path
//   --json                  Output the settled response as JSON
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/router"
	"github.com/jeranaias/prepchat/internal/session"
)

// askOptions is the parsed form of the ask command line.
type askOptions struct {
	Question       string
	Model          string
	Files          []string
	Tools          []string
	ConversationID string
	Context        *model.Context
}

func parseAskArgs(env *Env) (askOptions, error) {
	p := NewArgParser(env.Args.Raw)
	opts := askOptions{
		Model:          p.Flag("m", "model"),
		Files:          p.FlagValues("f", "file"),
		Tools:          p.FlagValues("t", "tool"),
		ConversationID: p.Flag("c", "conversation"),
	}

	interview, path := p.Flag("interview"), p.Flag("learning-path")
	if interview != "" || path != "" {
		if opts.ConversationID != "" {
			return opts, NewValidationError("interview", interview,
				"interview and learning path links only apply to new conversations")
		}
		opts.Context = &model.Context{InterviewID: interview, LearningPathID: path}
	}

	opts.Question = strings.TrimSpace(strings.Join(p.PositionalFrom(0), " "))
	if opts.Question == "" && !isInteractive(env.In) {
		q, err := readQuestion(env.In)
		if err != nil {
			return opts, err
		}
		opts.Question = q
	}
	if opts.Question == "" {
		return opts, ErrMissingArgument("question", `prepchat ask "What is a closure?"`)
	}
	return opts, nil
}

// isInteractive reports whether r is a terminal. Anything that is not the
// process's stdin counts as piped input.
func isInteractive(r io.Reader) bool {
	return r == os.Stdin && IsTTY()
}

// HandleAsk handles the "ask" command.
func HandleAsk(ctx context.Context, env *Env) error {
	opts, err := parseAskArgs(env)
	if err != nil {
		return err
	}

	rt, err := env.Runtime()
	if err != nil {
		return err
	}
	svc, err := rt.NewService(env.Config.UserID)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.persistTimeout())
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			env.Logger.Warn("failed to sync conversation on exit", "error", err)
		}
	}()

	warnings, err := applySelection(svc.Selector(), opts.Model, rt.defaultModel(), opts.Tools, opts.Files)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		env.status("%s", WarningStyle.Render("warning: "+w))
	}
	attachments := make([]string, 0, len(svc.Selector().Staged()))
	for _, sf := range svc.Selector().Staged() {
		attachments = append(attachments, sf.File.Name)
	}

	var key string
	if opts.ConversationID != "" {
		conv, err := svc.Open(ctx, opts.ConversationID)
		if err != nil {
			return err
		}
		key = conv.ID
	} else if key, err = svc.New(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var msgID string
	if opts.Context != nil {
		msgID, err = svc.SendWithContext(ctx, key, opts.Question, opts.Context)
	} else {
		msgID, err = svc.Send(ctx, key, opts.Question)
	}
	if err != nil {
		return err
	}

	out := env.Out
	if env.Args.JSON {
		out = io.Discard
	}
	printer := newStreamPrinter(out, env.Err, env.Config.UI.ShowReasoning && !env.Args.JSON && !env.Args.Quiet)
	snap, err := followResponse(ctx, svc, key, printer)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	// Titles are synthesized after the first exchange; give that a chance to
	// land before the service closes.
	if snap.Phase == session.PhaseComplete {
		limit := time.Duration(env.Config.Session.TitleTimeoutSecs)*time.Second + time.Second
		if !waitBackground(svc, snap.Key, limit) {
			env.Logger.Debug("gave up waiting for title synthesis", "conversation", snap.ConversationID)
		}
	}

	if env.Args.JSON {
		return writeAskJSON(env.Out, snap, msgID, elapsed, svc.Usage().Snapshot(), attachments, warnings)
	}
	if !env.Args.Quiet {
		fmt.Fprintln(env.Err, renderResponseStats(snap, elapsed, env.Config.UI.ShowTokens, env.Config.UI.ShowCost))
		if snap.ConversationID != "" {
			fmt.Fprintln(env.Err, DimStyle.Render("conversation "+snap.ConversationID))
		}
	}
	return settledError(snap)
}

// writeAskJSON writes the settled response. A failed response is still a
// JSON document on stdout; the exit code carries the failure.
func writeAskJSON(w io.Writer, snap session.Snapshot, msgID string, elapsed time.Duration, usage router.Usage, attachments, warnings []string) error {
	data := AskData{
		ConversationID: snap.ConversationID,
		MessageID:      msgID,
		Phase:          string(snap.Phase),
		DurationMs:     elapsed.Milliseconds(),
		Usage:          usage,
		Attachments:    attachments,
		Warnings:       warnings,
	}
	if snap.Assistant != nil {
		msg := *snap.Assistant
		data.MessageID = msg.ID
		data.Model = msg.Model
		data.Text = model.GetText(msg)
		data.Reasoning = model.GetReasoning(msg)
		for _, tc := range model.GetToolCalls(msg) {
			data.Tools = append(data.Tools, tc.Name)
		}
	}

	settled := settledError(snap)
	resp := NewJSONResponse("ask", nil)
	if settled != nil {
		kind := chaterr.KindOf(settled)
		if errors.Is(settled, context.Canceled) {
			kind = chaterr.KindCancelled
		}
		data.Error = &AskErrorDetail{
			Kind:    kind.String(),
			Code:    chaterr.Code(settled),
			Message: settled.Error(),
		}
		resp.Success = false
	}
	resp.Data = data
	if err := resp.Write(w); err != nil {
		return err
	}
	if settled != nil {
		return &reportedError{err: settled}
	}
	return nil
}
