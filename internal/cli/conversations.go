// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// conversations.go - Conversation management commands for the prepchat CLI.
//
// Command: list [--archived] [--all]
//          show <id>
//          delete <id> [--confirm]
//          pin <id> | archive <id> | restore <id>
//          branch <id> <message-id|index>
//
// Examples:
//   prepchat list
//   prepchat list --archived --json
//   prepchat show conv_01J...
//   prepchat branch conv_01J... 3
//   prepchat delete conv_01J... --confirm
package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jeranaias/prepchat/internal/chat"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/storage"
)

// withService runs fn against a chat service for the configured user and
// closes the service afterwards.
func withService(ctx context.Context, env *Env, fn func(*chat.Service) error) error {
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
			env.Logger.Warn("failed to close chat service", "error", err)
		}
	}()
	return fn(svc)
}

// requireID returns the first positional argument or a usage error.
func requireID(p *ArgParser, command string) (string, error) {
	id := p.Positional(0)
	if id == "" {
		return "", ErrMissingArgument("id", "prepchat "+command+" conv_...")
	}
	return id, nil
}

// ConversationSummary is the --json form of one listed conversation.
type ConversationSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Pinned        bool      `json:"pinned"`
	Archived      bool      `json:"archived"`
	MessageCount  int       `json:"message_count"`
	Preview       string    `json:"preview,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// HandleList handles the "list" command.
func HandleList(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw, "archived", "all")
	archived, all := p.BoolFlag("archived"), p.BoolFlag("all")

	return withService(ctx, env, func(svc *chat.Service) error {
		metas, err := svc.List(ctx)
		if err != nil {
			return err
		}
		if !all {
			metas = filterArchived(metas, archived)
		}

		if env.Args.JSON {
			out := make([]ConversationSummary, len(metas))
			for i, m := range metas {
				out[i] = ConversationSummary{
					ID:            m.ID,
					Title:         m.Title,
					Pinned:        m.Pinned,
					Archived:      m.Archived,
					MessageCount:  m.MessageCount,
					Preview:       m.Preview,
					UpdatedAt:     m.UpdatedAt,
					LastMessageAt: m.LastMessageAt,
				}
			}
			return NewJSONResponse("list", out).Write(env.Out)
		}
		fmt.Fprint(env.Out, storage.FormatConversationList(metas))
		if len(metas) > 0 && !env.Args.Quiet {
			fmt.Fprintln(env.Out, DimStyle.Render(fmt.Sprintf("%d conversation(s), newest activity %s",
				len(metas), formatAge(newestActivity(metas), time.Now()))))
		}
		return nil
	})
}

func newestActivity(metas []storage.ConversationMeta) time.Time {
	var newest time.Time
	for _, m := range metas {
		t := m.LastMessageAt
		if t.IsZero() {
			t = m.UpdatedAt
		}
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}

// HandleShow handles the "show" command.
func HandleShow(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw, "reasoning")
	id, err := requireID(p, "show")
	if err != nil {
		return err
	}
	return withService(ctx, env, func(svc *chat.Service) error {
		conv, err := svc.Open(ctx, id)
		if err != nil {
			return err
		}
		if env.Args.JSON {
			return NewJSONResponse("show", conv).Write(env.Out)
		}
		renderTranscript(env.Out, conv, env.Config.UI.ShowReasoning || p.BoolFlag("reasoning"))
		return nil
	})
}

// HandleDelete handles the "delete" command.
func HandleDelete(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw, "confirm", "y", "yes")
	id, err := requireID(p, "delete")
	if err != nil {
		return err
	}
	ok, err := RequireConfirmation(fmt.Sprintf("Delete conversation %s?", id), ConfirmationOptions{
		ConfirmFlag: p.BoolFlag("confirm", "y", "yes"),
		JSONMode:    env.Args.JSON,
	})
	if err != nil {
		return err
	}
	if !ok {
		ShowCancellationMessage()
		return nil
	}
	return withService(ctx, env, func(svc *chat.Service) error {
		if err := svc.Delete(ctx, id); err != nil {
			return err
		}
		return reportDone(env, "delete", id, "deleted")
	})
}

// HandleFlag handles "pin", "archive" and "restore".
func HandleFlag(ctx context.Context, env *Env, cmd Command) error {
	var (
		name   string
		verb   string
		action func(*chat.Service, context.Context, string) error
	)
	switch cmd {
	case CmdPin:
		name, verb, action = "pin", "pin toggled", (*chat.Service).TogglePin
	case CmdArchive:
		name, verb, action = "archive", "archived", (*chat.Service).Archive
	case CmdRestore:
		name, verb, action = "restore", "restored", (*chat.Service).Restore
	default:
		return fmt.Errorf("not a flag command: %d", cmd)
	}

	id, err := requireID(NewArgParser(env.Args.Raw), name)
	if err != nil {
		return err
	}
	return withService(ctx, env, func(svc *chat.Service) error {
		if err := action(svc, ctx, id); err != nil {
			return err
		}
		return reportDone(env, name, id, verb)
	})
}

// HandleBranch handles the "branch" command. The message is given by id or
// by index into the conversation.
func HandleBranch(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw)
	id, err := requireID(p, "branch")
	if err != nil {
		return err
	}
	ref := p.Positional(1)
	if ref == "" {
		return ErrMissingArgument("message", "prepchat branch conv_... 3")
	}

	return withService(ctx, env, func(svc *chat.Service) error {
		msgID := ref
		if i, err := strconv.Atoi(ref); err == nil {
			conv, err := svc.Open(ctx, id)
			if err != nil {
				return err
			}
			if msgID, err = messageAt(conv, i); err != nil {
				return err
			}
		}
		branched, err := svc.Branch(ctx, id, msgID)
		if err != nil {
			return err
		}
		if env.Args.JSON {
			return NewJSONResponse("branch", ConversationSummary{
				ID:           branched.ID,
				Title:        branched.Title,
				MessageCount: len(branched.Messages),
				UpdatedAt:    branched.UpdatedAt,
			}).Write(env.Out)
		}
		fmt.Fprintf(env.Out, "%s %s %s\n", SuccessStyle.Render("[OK]"), branched.ID, DimStyle.Render(branched.GetTitle()))
		return nil
	})
}

// messageAt returns the id of the message at index.
func messageAt(conv *model.Conversation, index int) (string, error) {
	if index < 0 || index >= len(conv.Messages) {
		return "", NewValidationError("index", strconv.Itoa(index),
			fmt.Sprintf("conversation has %d messages", len(conv.Messages)))
	}
	return conv.Messages[index].ID, nil
}

func reportDone(env *Env, command, id, verb string) error {
	if env.Args.JSON {
		return NewJSONResponse(command, map[string]string{"id": id, "result": verb}).Write(env.Out)
	}
	if !env.Args.Quiet {
		fmt.Fprintf(env.Out, "%s %s %s\n", SuccessStyle.Render("[OK]"), verb, id)
	}
	return nil
}
