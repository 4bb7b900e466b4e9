// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/files"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/router"
	"github.com/jeranaias/prepchat/internal/session"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testUser = "user-1"

// scripted replays whichever chunks were set last.
type scripted struct {
	mu     sync.Mutex
	chunks []stream.Chunk
	reqs   []stream.Request
}

func (s *scripted) set(chunks ...stream.Chunk) {
	s.mu.Lock()
	s.chunks = chunks
	s.mu.Unlock()
}

func (s *scripted) Open(ctx context.Context, req stream.Request) (stream.Stream, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	r := stream.NewReplay(s.chunks...)
	s.mu.Unlock()
	return r.Open(ctx, req)
}

func (s *scripted) last() stream.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

type staticTitler string

func (t staticTitler) Title(context.Context, string) (string, error) { return string(t), nil }

type fixture struct {
	svc      *Service
	store    *storage.ConversationStore
	tr       *scripted
	previews *files.Service
	usage    *router.UsageStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewConversationStoreWithDir(t.TempDir())
	require.NoError(t, err)

	tr := &scripted{}
	tr.set(stream.TextDelta("Hello"), stream.TextDelta(" there"), stream.Done())

	previews := files.NewService(nil)
	prefs := storage.NewFilePreferences(filepath.Join(t.TempDir(), "prefs.json"))
	sel := router.NewSelector(model.DefaultCatalog(), nil, prefs, previews, nil)
	_, err = sel.SelectModel(context.Background(), testUser, "openai/gpt-4o")
	require.NoError(t, err)

	usage := router.NewUsageStats(model.DefaultCatalog())
	svc, err := NewService(Config{
		UserID:    testUser,
		Gateway:   store,
		Transport: tr,
		Selector:  sel,
		Titler:    staticTitler("Go Interview Prep"),
		Usage:     usage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	return &fixture{svc: svc, store: store, tr: tr, previews: previews, usage: usage}
}

// sendAndWait sends content under key and waits for the response to settle.
func (f *fixture) sendAndWait(t *testing.T, key, content string) session.Snapshot {
	t.Helper()
	_, err := f.svc.Send(context.Background(), key, content)
	require.NoError(t, err)
	f.svc.Wait(key)
	snap, err := f.svc.Snapshot(key)
	require.NoError(t, err)
	return snap
}

// drain returns the events buffered so far.
func (f *fixture) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-f.svc.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOf(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// storedConversation creates a conversation with one exchange.
func (f *fixture) storedConversation(t *testing.T, userID string) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := f.store.Create(ctx, userID, "Arrays", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddMessage(ctx, conv.ID, model.NewUserMessage("two sum?")))
	asst := model.NewAssistantMessage("openai/gpt-4o")
	asst.AppendText("use a hash map")
	require.NoError(t, f.store.AddMessage(ctx, conv.ID, asst))
	stored, err := f.store.FindByID(ctx, conv.ID)
	require.NoError(t, err)
	return stored
}

// =============================================================================
// SEND
// =============================================================================

func TestService_SendCreatesConversation(t *testing.T) {
	f := newFixture(t)
	key, err := f.svc.New()
	require.NoError(t, err)

	snap := f.sendAndWait(t, key, "How do I prepare for a system design interview?")
	require.Equal(t, session.PhaseComplete, snap.Phase)
	require.NotEmpty(t, snap.ConversationID)
	require.Equal(t, "Hello there", snap.Text())

	stored, err := f.store.FindByID(context.Background(), snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, testUser, stored.UserID)
	require.Equal(t, "Go Interview Prep", stored.Title)

	events := f.drain()
	require.Len(t, eventsOf(events, EventCreated), 1)
	require.Equal(t, key, eventsOf(events, EventCreated)[0].Key)
	require.Len(t, eventsOf(events, EventTitleUpdated), 1)

	// The draft key and the conversation id both reach the controller.
	byID, err := f.svc.Snapshot(snap.ConversationID)
	require.NoError(t, err)
	require.Equal(t, snap.ConversationID, byID.ConversationID)

	require.Equal(t, 1, f.usage.Snapshot().TotalResponses)
}

func TestService_SendUsesSelection(t *testing.T) {
	f := newFixture(t)
	sel := f.svc.Selector()
	require.NoError(t, sel.EnableTool("web-search"))
	_, err := sel.Stage(files.File{Name: "diagram.png", MediaType: "image/png", Data: []byte{1}})
	require.NoError(t, err)

	key, _ := f.svc.New()
	snap := f.sendAndWait(t, key, "review my diagram")
	require.Equal(t, session.PhaseComplete, snap.Phase)

	req := f.tr.last()
	require.Equal(t, "openai/gpt-4o", req.Model)
	require.Equal(t, "openai", req.Provider)
	require.Equal(t, []string{"web-search"}, req.Tools)
	require.Len(t, req.Attachments, 1)

	require.Empty(t, sel.Staged())
	require.Empty(t, f.previews.Outstanding())
	user := snap.Conversation.Messages[0]
	require.Len(t, model.GetFiles(user), 1)
}

func TestService_SendRequiresModel(t *testing.T) {
	f := newFixture(t)
	f.svc.Selector().Clear()
	key, _ := f.svc.New()

	_, err := f.svc.Send(context.Background(), key, "hi")
	var ve *chaterr.ValidationError
	require.True(t, errors.As(err, &ve))

	f.svc.cfg.DefaultModel = "meta-llama/llama-3.3-70b-instruct:free"
	f.sendAndWait(t, key, "hi")
	require.Equal(t, "meta-llama/llama-3.3-70b-instruct:free", f.tr.last().Model)
}

func TestService_UnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(context.Background(), "nope", "hi")
	var nf *chaterr.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.False(t, f.svc.Stop("nope"))
}

func TestService_OpenChecksOwner(t *testing.T) {
	f := newFixture(t)
	mine := f.storedConversation(t, testUser)
	theirs := f.storedConversation(t, "someone-else")

	conv, err := f.svc.Open(context.Background(), mine.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)

	_, err = f.svc.Open(context.Background(), theirs.ID)
	var nf *chaterr.NotFoundError
	require.True(t, errors.As(err, &nf))

	_, err = f.svc.Open(context.Background(), "missing")
	require.True(t, errors.As(err, &nf))
}

// =============================================================================
// BRANCH
// =============================================================================

func TestService_Branch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.storedConversation(t, testUser)

	branch, err := f.svc.Branch(ctx, src.ID, src.Messages[0].ID)
	require.NoError(t, err)
	require.NotEqual(t, src.ID, branch.ID)
	require.Equal(t, "Arrays (Branch)", branch.Title)
	require.Len(t, branch.Messages, 1)
	require.Equal(t, src.Messages[0].ID, branch.Messages[0].ID)

	events := eventsOf(f.drain(), EventBranched)
	require.Len(t, events, 1)
	require.Equal(t, branch.ID, events[0].ConversationID)
	require.Equal(t, src.ID, events[0].SourceID)

	var nf *chaterr.NotFoundError
	_, err = f.svc.Branch(ctx, src.ID, "no-such-message")
	require.True(t, errors.As(err, &nf))
	_, err = f.svc.Branch(ctx, "no-such-conversation", src.Messages[0].ID)
	require.True(t, errors.As(err, &nf))
}

func TestService_BranchUsesWorkingCopy(t *testing.T) {
	f := newFixture(t)
	key, _ := f.svc.New()
	snap := f.sendAndWait(t, key, "first question")

	branch, err := f.svc.Branch(context.Background(), snap.ConversationID, snap.Assistant.ID)
	require.NoError(t, err)
	require.Len(t, branch.Messages, 2)
	require.Equal(t, "Go Interview Prep (Branch)", branch.Title)
}

// =============================================================================
// EDIT / REGENERATE / DELETE FROM
// =============================================================================

func TestService_Edit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, _ := f.svc.New()
	f.sendAndWait(t, key, "original question")
	snap := f.sendAndWait(t, key, "follow up")
	require.Len(t, snap.Conversation.Messages, 4)

	var ve *chaterr.ValidationError
	_, err := f.svc.Edit(ctx, key, 1, "not a user message")
	require.True(t, errors.As(err, &ve))
	_, err = f.svc.Edit(ctx, key, 9, "out of range")
	require.True(t, errors.As(err, &ve))

	_, err = f.svc.Edit(ctx, key, 0, "edited question")
	require.NoError(t, err)
	f.svc.Wait(key)

	snap, _ = f.svc.Snapshot(key)
	require.Len(t, snap.Conversation.Messages, 2)
	require.Equal(t, "edited question", model.GetText(snap.Conversation.Messages[0]))

	stored, err := f.store.FindByID(ctx, snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "edited question", model.GetText(stored.Messages[0]))
}

func TestService_Regenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, _ := f.svc.New()

	var ve *chaterr.ValidationError
	_, err := f.svc.Regenerate(ctx, key)
	require.True(t, errors.As(err, &ve), "nothing to regenerate")

	sel := f.svc.Selector()
	_, err = sel.Stage(files.File{Name: "diagram.png", MediaType: "image/png", Data: []byte{1}})
	require.NoError(t, err)
	first := f.sendAndWait(t, key, "explain big-O")
	prompt := first.Conversation.Messages[0]
	oldAnswer := first.Assistant.ID
	require.Len(t, model.GetFiles(prompt), 1)

	f.tr.set(stream.TextDelta("Second try"), stream.Done())
	id, err := f.svc.Regenerate(ctx, key)
	require.NoError(t, err)
	require.Equal(t, prompt.ID, id)
	f.svc.Wait(key)

	snap, _ := f.svc.Snapshot(key)
	require.Len(t, snap.Conversation.Messages, 2)
	kept := snap.Conversation.Messages[0]
	require.Equal(t, prompt.ID, kept.ID, "the prompt is reused, not resent as a new message")
	require.Equal(t, "explain big-O", model.GetText(kept))
	require.Len(t, model.GetFiles(kept), 1)
	require.Equal(t, "Second try", model.GetText(snap.Conversation.Messages[1]))
	require.NotEqual(t, oldAnswer, snap.Conversation.Messages[1].ID)

	req := f.tr.last()
	require.Equal(t, "explain big-O", req.Content)
	require.Len(t, req.Attachments, 1, "the prompt's files go out again")
	require.Len(t, req.History, 1)
	require.Equal(t, prompt.ID, req.History[0].ID)

	stored, err := f.store.FindByID(ctx, snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, prompt.ID, stored.Messages[0].ID)
	require.Len(t, model.GetFiles(stored.Messages[0]), 1)
	require.Equal(t, "Second try", model.GetText(stored.Messages[1]))
}

func TestService_RegenerateSendsStagedAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, _ := f.svc.New()
	f.sendAndWait(t, key, "review this")

	_, err := f.svc.Selector().Stage(files.File{Name: "notes.png", MediaType: "image/png", Data: []byte{2}})
	require.NoError(t, err)
	_, err = f.svc.Regenerate(ctx, key)
	require.NoError(t, err)
	f.svc.Wait(key)

	require.Len(t, f.tr.last().Attachments, 1)
	require.Empty(t, f.svc.Selector().Staged())
	require.Empty(t, f.previews.Outstanding())
}

func TestService_DeleteFrom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, _ := f.svc.New()
	snap := f.sendAndWait(t, key, "q1")
	f.sendAndWait(t, key, "q2")

	require.NoError(t, f.svc.DeleteFrom(ctx, key, 2))
	after, _ := f.svc.Snapshot(key)
	require.Len(t, after.Conversation.Messages, 2)

	stored, err := f.store.FindByID(ctx, snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)

	var ve *chaterr.ValidationError
	require.True(t, errors.As(f.svc.DeleteFrom(ctx, key, -1), &ve))
	require.True(t, errors.As(f.svc.DeleteFrom(ctx, key, 5), &ve))
}

func TestService_MutationsRefusedWhileStreaming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pipe := stream.NewPipe()
	svc, err := NewService(Config{
		UserID:    testUser,
		Gateway:   f.store,
		Transport: stream.TransportFunc(func(context.Context, stream.Request) (stream.Stream, error) { return pipe, nil }),
		Selector:  f.svc.Selector(),
	})
	require.NoError(t, err)
	defer svc.Close(ctx)

	key, _ := svc.New()
	_, err = svc.Send(ctx, key, "q")
	require.NoError(t, err)

	var ve *chaterr.ValidationError
	_, err = svc.Edit(ctx, key, 0, "x")
	require.True(t, errors.As(err, &ve))
	_, err = svc.Regenerate(ctx, key)
	require.True(t, errors.As(err, &ve))
	require.True(t, errors.As(svc.DeleteFrom(ctx, key, 0), &ve))
	_, err = svc.Send(ctx, key, "again")
	require.True(t, errors.As(err, &ve))

	require.True(t, svc.Stop(key))
	snap, _ := svc.Snapshot(key)
	require.Equal(t, session.PhaseCancelled, snap.Phase)
}

func TestService_SettlesWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A provider error ends the stream before any usage is reported.
	key, _ := f.svc.New()
	f.tr.set(stream.TextDelta("partial"), stream.ErrorChunk(&chaterr.ProviderError{Message: "model overloaded"}))
	snap := f.sendAndWait(t, key, "q")
	require.Equal(t, session.PhaseError, snap.Phase)
	require.Nil(t, snap.Assistant.Metadata)

	// A stopped stream never sees its usage chunk either.
	pipe := stream.NewPipe()
	usage := router.NewUsageStats(model.DefaultCatalog())
	svc, err := NewService(Config{
		UserID:    testUser,
		Gateway:   f.store,
		Transport: stream.TransportFunc(func(context.Context, stream.Request) (stream.Stream, error) { return pipe, nil }),
		Selector:  f.svc.Selector(),
		Usage:     usage,
	})
	require.NoError(t, err)
	defer svc.Close(ctx)

	key, _ = svc.New()
	_, err = svc.Send(ctx, key, "long answer please")
	require.NoError(t, err)
	require.True(t, pipe.Send(stream.TextDelta("so far")))
	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot(key)
		return snap.Text() == "so far"
	}, time.Second, 5*time.Millisecond)
	require.True(t, svc.Stop(key))

	cancelled, _ := svc.Snapshot(key)
	require.Equal(t, session.PhaseCancelled, cancelled.Phase)
	require.Equal(t, "so far", cancelled.Text())

	require.Equal(t, 1, f.usage.Snapshot().TotalResponses)
	require.Equal(t, 1, usage.Snapshot().TotalResponses)
}

// =============================================================================
// RATE LIMIT EVENTS
// =============================================================================

func TestService_RateLimitEventFiresOncePerNewError(t *testing.T) {
	f := newFixture(t)
	key, _ := f.svc.New()
	f.sendAndWait(t, key, "warm up")
	f.drain()

	f.tr.set(stream.TextDelta("partial"), stream.ErrorChunk(&chaterr.RateLimitError{Message: "Rate limit exceeded"}))
	snap := f.sendAndWait(t, key, "q")
	require.Equal(t, session.PhaseError, snap.Phase)
	require.Equal(t, "partial", snap.Text())

	events := eventsOf(f.drain(), EventRateLimited)
	require.Len(t, events, 1)
	require.Equal(t, snap.Assistant.ID, events[0].MessageID)

	// A provider error is not a rate limit.
	f.tr.set(stream.ErrorChunk(&chaterr.ProviderError{Message: "model overloaded"}))
	f.sendAndWait(t, key, "q2")
	require.Empty(t, eventsOf(f.drain(), EventRateLimited))

	// Another rate-limited response is a new message and fires again.
	f.tr.set(stream.ErrorChunk(errors.New("429 Too Many Requests")))
	f.sendAndWait(t, key, "q3")
	require.Len(t, eventsOf(f.drain(), EventRateLimited), 1)
}

func TestService_RateLimitAtLoadDoesNotFire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.store.Create(ctx, testUser, "Old", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddMessage(ctx, conv.ID, model.NewUserMessage("q")))
	failed := model.NewAssistantMessage("openai/gpt-4o")
	failed.SetError(model.ErrorInfoFrom(&chaterr.RateLimitError{Message: "quota exceeded"}))
	require.NoError(t, f.store.AddMessage(ctx, conv.ID, failed))

	_, err = f.svc.Open(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, f.svc.markSeen(mustController(t, f.svc, conv.ID), failed.ID), "loaded errors are already seen")
	require.Empty(t, eventsOf(f.drain(), EventRateLimited))
}

func mustController(t *testing.T, s *Service, key string) *session.Controller {
	t.Helper()
	ctrl, ok := s.mgr.Get(key)
	require.True(t, ok)
	return ctrl
}

// =============================================================================
// FLAGS / DELETE / SWITCH
// =============================================================================

func TestService_Flags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.storedConversation(t, testUser)
	other := f.storedConversation(t, "someone-else")

	require.NoError(t, f.svc.TogglePin(ctx, conv.ID))
	require.NoError(t, f.svc.Archive(ctx, conv.ID))
	stored, _ := f.store.FindByID(ctx, conv.ID)
	require.True(t, stored.Pinned)
	require.True(t, stored.Archived)

	require.NoError(t, f.svc.Restore(ctx, conv.ID))
	stored, _ = f.store.FindByID(ctx, conv.ID)
	require.False(t, stored.Archived)

	var nf *chaterr.NotFoundError
	require.True(t, errors.As(f.svc.TogglePin(ctx, other.ID), &nf))
	stored, _ = f.store.FindByID(ctx, other.ID)
	require.False(t, stored.Pinned, "other users' conversations are untouched")

	metas, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
}

func TestService_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.storedConversation(t, testUser)
	_, err := f.svc.Open(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, conv.ID))
	stored, err := f.store.FindByID(ctx, conv.ID)
	require.NoError(t, err)
	require.Nil(t, stored)

	_, err = f.svc.Snapshot(conv.ID)
	var nf *chaterr.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.True(t, errors.As(f.svc.Delete(ctx, conv.ID), &nf))
}

func TestService_Switch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.storedConversation(t, testUser)

	key, _ := f.svc.New()
	newKey, err := f.svc.Switch(ctx, key, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, newKey)

	snap, err := f.svc.Snapshot(conv.ID)
	require.NoError(t, err)
	require.Len(t, snap.Conversation.Messages, 2)
	_, err = f.svc.Snapshot(key)
	require.Error(t, err, "old draft key is gone")

	draftKey, err := f.svc.Switch(ctx, conv.ID, "")
	require.NoError(t, err)
	require.NotEqual(t, conv.ID, draftKey)
	snap, _ = f.svc.Snapshot(draftKey)
	require.Empty(t, snap.Conversation.Messages)
}

func TestService_Close(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Close(context.Background()))
	require.NoError(t, f.svc.Close(context.Background()))

	_, open := <-f.svc.Events()
	require.False(t, open)
	_, err := f.svc.New()
	require.ErrorIs(t, err, ErrServiceClosed)
}

func TestService_CloseConcurrentWithActiveStream(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewConversationStoreWithDir(t.TempDir())
	require.NoError(t, err)
	pipe := stream.NewPipe()
	svc, err := NewService(Config{
		UserID:    testUser,
		Gateway:   store,
		Transport: stream.TransportFunc(func(context.Context, stream.Request) (stream.Stream, error) { return pipe, nil }),
	})
	require.NoError(t, err)

	key, _ := svc.New()
	_, err = svc.Send(ctx, key, "keep talking")
	require.NoError(t, err)
	require.True(t, pipe.Send(stream.TextDelta("still going")))
	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot(key)
		return snap.Text() == "still going"
	}, time.Second, 5*time.Millisecond)

	// Stopping the stream settles it, which emits while Close is running.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, svc.Close(ctx))
		}()
	}
	wg.Wait()

	for range svc.Events() {
	}
	_, err = svc.Send(ctx, key, "again")
	require.ErrorIs(t, err, ErrServiceClosed)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Config{Transport: stream.Echo{}})
	require.Error(t, err)
	store, _ := storage.NewConversationStoreWithDir(t.TempDir())
	_, err = NewService(Config{Gateway: store})
	require.Error(t, err)
}
