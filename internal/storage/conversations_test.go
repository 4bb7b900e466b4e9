// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/prepchat/internal/model"
)

// =============================================================================
// GATEWAY CONTRACT
// =============================================================================

// gateways returns a fresh instance of every Gateway implementation.
func gateways(t *testing.T) map[string]Gateway {
	t.Helper()

	js, err := NewConversationStoreWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create JSON store: %v", err)
	}
	sq, err := OpenSQLStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Failed to open SQL store: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Gateway{"json": js, "sqlite": sq}
}

func forEachGateway(t *testing.T, fn func(t *testing.T, g Gateway)) {
	for name, g := range gateways(t) {
		t.Run(name, func(t *testing.T) { fn(t, g) })
	}
}

func TestGateway_CreateAndFind(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		conv, err := g.Create(ctx, "user-1", "Closures", &model.Context{InterviewID: "iv-9"})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if !strings.HasPrefix(conv.ID, "conv_") {
			t.Errorf("ID should start with 'conv_', got %q", conv.ID)
		}

		found, err := g.FindByID(ctx, conv.ID)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if found == nil {
			t.Fatal("FindByID returned nil for a stored conversation")
		}
		if found.UserID != "user-1" || found.Title != "Closures" {
			t.Errorf("found = %+v", found)
		}
		if found.Context == nil || found.Context.InterviewID != "iv-9" {
			t.Errorf("Context = %+v", found.Context)
		}
		if len(found.Messages) != 0 {
			t.Errorf("Messages = %d, want 0", len(found.Messages))
		}
	})
}

func TestGateway_FindMissingReturnsNil(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		conv, err := g.FindByID(context.Background(), "conv_missing")
		if err != nil {
			t.Fatalf("FindByID error = %v", err)
		}
		if conv != nil {
			t.Errorf("FindByID = %+v, want nil", conv)
		}
	})
}

func TestGateway_AddMessageOrderAndUpsert(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		conv, _ := g.Create(ctx, "u", "", nil)

		user := model.NewUserMessage("What is a goroutine?")
		asst := model.NewAssistantMessage("openai/gpt-4o-mini")
		asst.AppendText("A lightweight")
		asst.Metadata = &model.Metadata{TotalTokens: 42, FinishReason: "stop"}

		for _, msg := range []model.Message{user, asst} {
			if err := g.AddMessage(ctx, conv.ID, msg); err != nil {
				t.Fatalf("AddMessage failed: %v", err)
			}
		}

		// Re-adding the assistant replaces it in place.
		asst.AppendText(" thread.")
		if err := g.AddMessage(ctx, conv.ID, asst); err != nil {
			t.Fatalf("AddMessage (upsert) failed: %v", err)
		}

		found, _ := g.FindByID(ctx, conv.ID)
		if len(found.Messages) != 2 {
			t.Fatalf("Messages = %d, want 2", len(found.Messages))
		}
		if found.Messages[0].ID != user.ID || found.Messages[1].ID != asst.ID {
			t.Errorf("order = %s, %s", found.Messages[0].ID, found.Messages[1].ID)
		}
		if got := model.GetText(found.Messages[1]); got != "A lightweight thread." {
			t.Errorf("assistant text = %q", got)
		}
		if md := found.Messages[1].Metadata; md == nil || md.TotalTokens != 42 {
			t.Errorf("Metadata = %+v", md)
		}
		if found.Messages[1].Model != "openai/gpt-4o-mini" {
			t.Errorf("Model = %q", found.Messages[1].Model)
		}
	})
}

func TestGateway_AddMessageUnknownConversation(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		err := g.AddMessage(context.Background(), "conv_nope", model.NewUserMessage("hi"))
		if !errors.Is(err, ErrConversationNotFound) {
			t.Errorf("AddMessage error = %v, want ErrConversationNotFound", err)
		}
	})
}

func TestGateway_FlagsAndTitle(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		conv, _ := g.Create(ctx, "u", "", nil)

		if err := g.UpdateTitle(ctx, conv.ID, "Channels"); err != nil {
			t.Fatalf("UpdateTitle failed: %v", err)
		}
		if err := g.TogglePin(ctx, conv.ID); err != nil {
			t.Fatalf("TogglePin failed: %v", err)
		}
		if err := g.Archive(ctx, conv.ID); err != nil {
			t.Fatalf("Archive failed: %v", err)
		}

		found, _ := g.FindByID(ctx, conv.ID)
		if found.Title != "Channels" || !found.Pinned || !found.Archived {
			t.Errorf("found = title %q pinned %v archived %v", found.Title, found.Pinned, found.Archived)
		}

		g.TogglePin(ctx, conv.ID)
		g.Restore(ctx, conv.ID)
		found, _ = g.FindByID(ctx, conv.ID)
		if found.Pinned || found.Archived {
			t.Errorf("after toggle/restore pinned %v archived %v", found.Pinned, found.Archived)
		}

		for name, err := range map[string]error{
			"UpdateTitle": g.UpdateTitle(ctx, "conv_x", "t"),
			"TogglePin":   g.TogglePin(ctx, "conv_x"),
			"Archive":     g.Archive(ctx, "conv_x"),
			"Restore":     g.Restore(ctx, "conv_x"),
		} {
			if !errors.Is(err, ErrConversationNotFound) {
				t.Errorf("%s on missing id error = %v", name, err)
			}
		}
	})
}

func TestGateway_DeleteMessagesFrom(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		conv, _ := g.Create(ctx, "u", "", nil)
		var ids []string
		for _, text := range []string{"one", "two", "three", "four"} {
			msg := model.NewUserMessage(text)
			ids = append(ids, msg.ID)
			g.AddMessage(ctx, conv.ID, msg)
		}

		if err := g.DeleteMessagesFrom(ctx, conv.ID, 2); err != nil {
			t.Fatalf("DeleteMessagesFrom failed: %v", err)
		}
		// Appending after a truncation continues from the new tail.
		next := model.NewUserMessage("five")
		g.AddMessage(ctx, conv.ID, next)

		found, _ := g.FindByID(ctx, conv.ID)
		var got []string
		for _, m := range found.Messages {
			got = append(got, model.GetText(m))
		}
		if strings.Join(got, ",") != "one,two,five" {
			t.Errorf("messages = %v", got)
		}

		if err := g.DeleteMessagesFrom(ctx, conv.ID, -1); !errors.Is(err, ErrInvalidIndex) {
			t.Errorf("negative index error = %v", err)
		}
		if err := g.DeleteMessagesFrom(ctx, conv.ID, 10); err != nil {
			t.Errorf("index past end error = %v", err)
		}
		if err := g.DeleteMessagesFrom(ctx, "conv_x", 0); !errors.Is(err, ErrConversationNotFound) {
			t.Errorf("missing id error = %v", err)
		}
	})
}

func TestGateway_CreateBranch(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		src, _ := g.Create(ctx, "u", "Original", nil)
		m1 := model.NewUserMessage("q1")
		m2 := model.NewAssistantMessage("m")
		m2.AppendText("a1")
		g.AddMessage(ctx, src.ID, m1)
		g.AddMessage(ctx, src.ID, m2)

		branch, err := g.CreateBranch(ctx, src.ID, m1.ID, "u", "Branch of Original", []model.Message{m1}, nil)
		if err != nil {
			t.Fatalf("CreateBranch failed: %v", err)
		}
		if branch.ID == src.ID {
			t.Error("branch must get a new id")
		}

		found, _ := g.FindByID(ctx, branch.ID)
		if len(found.Messages) != 1 || found.Messages[0].ID != m1.ID {
			t.Errorf("branch messages = %+v", found.Messages)
		}
		orig, _ := g.FindByID(ctx, src.ID)
		if len(orig.Messages) != 2 {
			t.Errorf("source messages = %d, want 2", len(orig.Messages))
		}

		if _, err := g.CreateBranch(ctx, "conv_x", "", "u", "", nil, nil); !errors.Is(err, ErrConversationNotFound) {
			t.Errorf("branch of missing source error = %v", err)
		}
	})
}

func TestGateway_Delete(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		conv, _ := g.Create(ctx, "u", "", nil)
		g.AddMessage(ctx, conv.ID, model.NewUserMessage("bye"))

		if err := g.Delete(ctx, conv.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if found, _ := g.FindByID(ctx, conv.ID); found != nil {
			t.Error("conversation still present after Delete")
		}
		if err := g.Delete(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
			t.Errorf("second Delete error = %v", err)
		}
	})
}

func TestGateway_ListOrderingAndFilter(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		old, _ := g.Create(ctx, "alice", "old", nil)
		time.Sleep(5 * time.Millisecond)
		pinned, _ := g.Create(ctx, "alice", "pinned", nil)
		time.Sleep(5 * time.Millisecond)
		recent, _ := g.Create(ctx, "alice", "recent", nil)
		g.Create(ctx, "bob", "other user", nil)

		g.TogglePin(ctx, pinned.ID)
		time.Sleep(5 * time.Millisecond)
		g.AddMessage(ctx, recent.ID, model.NewUserMessage("  how do\n maps   grow?  "))

		metas, err := g.List(ctx, "alice")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(metas) != 3 {
			t.Fatalf("List returned %d, want 3", len(metas))
		}
		if metas[0].ID != pinned.ID || metas[1].ID != recent.ID || metas[2].ID != old.ID {
			t.Errorf("order = %s, %s, %s", metas[0].Title, metas[1].Title, metas[2].Title)
		}
		if metas[1].MessageCount != 1 || metas[1].Preview != "how do maps grow?" {
			t.Errorf("recent meta = %+v", metas[1])
		}

		all, _ := g.List(ctx, "")
		if len(all) != 4 {
			t.Errorf("List(\"\") returned %d, want 4", len(all))
		}
	})
}

func TestGateway_UnicodeContent(t *testing.T) {
	forEachGateway(t, func(t *testing.T, g Gateway) {
		ctx := context.Background()
		conv, _ := g.Create(ctx, "u", "日本語", nil)
		g.AddMessage(ctx, conv.ID, model.NewUserMessage("Hello 世界! 🌍"))

		found, _ := g.FindByID(ctx, conv.ID)
		if found.Title != "日本語" || model.GetText(found.Messages[0]) != "Hello 世界! 🌍" {
			t.Errorf("unicode not preserved: %q / %q", found.Title, model.GetText(found.Messages[0]))
		}
	})
}

// =============================================================================
// JSON STORE SPECIFICS
// =============================================================================

func TestConversationStore_RejectsPathLikeIDs(t *testing.T) {
	store, _ := NewConversationStoreWithDir(t.TempDir())
	conv, err := store.FindByID(context.Background(), "../etc/passwd")
	if err != nil || conv != nil {
		t.Errorf("FindByID(path) = %v, %v", conv, err)
	}
}

func TestConversationStore_ListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewConversationStoreWithDir(dir)
	store.Create(context.Background(), "u", "ok", nil)
	os.WriteFile(filepath.Join(dir, "conv_bad.json"), []byte("{not json"), 0600)

	metas, err := store.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 1 {
		t.Errorf("List returned %d, want 1", len(metas))
	}
}

func TestConversationStore_CancelledContext(t *testing.T) {
	store, _ := NewConversationStoreWithDir(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Create(ctx, "u", "", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Create error = %v, want context.Canceled", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func TestFormatConversationList(t *testing.T) {
	if got := FormatConversationList(nil); got != "No conversations found." {
		t.Errorf("empty list = %q", got)
	}

	out := FormatConversationList([]ConversationMeta{
		{ID: "conv_1234567890abcdef", Title: "", Preview: "first question", Pinned: true, MessageCount: 3, UpdatedAt: time.Now()},
	})
	if !strings.Contains(out, "first question") || !strings.Contains(out, "*") {
		t.Errorf("list output = %q", out)
	}
	if strings.Contains(out, "conv_1234567890abcdef") {
		t.Error("ids should be shortened")
	}
}

func TestConversationError_Is(t *testing.T) {
	err := &ConversationError{Message: "conversation not found"}
	if !errors.Is(err, ErrConversationNotFound) {
		t.Error("errors.Is should match by message")
	}
	if errors.Is(err, ErrInvalidIndex) {
		t.Error("errors.Is should not match a different message")
	}
}

func TestFilePreferences(t *testing.T) {
	ctx := context.Background()
	prefs := NewFilePreferences(filepath.Join(t.TempDir(), "prefs.json"))

	got, err := prefs.ModelPreference(ctx, "u")
	if err != nil || got != "" {
		t.Fatalf("unset preference = %q, %v", got, err)
	}
	if err := prefs.SetModelPreference(ctx, "u", "openai/gpt-4o"); err != nil {
		t.Fatalf("SetModelPreference failed: %v", err)
	}
	prefs.SetModelPreference(ctx, "v", "x/y")

	if got, _ := prefs.ModelPreference(ctx, "u"); got != "openai/gpt-4o" {
		t.Errorf("preference = %q", got)
	}
}
