// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/stream"
	"github.com/jeranaias/prepchat/internal/title"
	"github.com/jeranaias/prepchat/internal/tools"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *storage.ConversationStore {
	t.Helper()
	store, err := storage.NewConversationStoreWithDir(t.TempDir())
	require.NoError(t, err)
	return store
}

// pipeTransport hands out one Pipe so tests can feed chunks one at a time.
type pipeTransport struct {
	pipe *stream.Pipe

	mu   sync.Mutex
	reqs []stream.Request
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{pipe: stream.NewPipe()}
}

func (pt *pipeTransport) Open(_ context.Context, req stream.Request) (stream.Stream, error) {
	pt.mu.Lock()
	pt.reqs = append(pt.reqs, req)
	pt.mu.Unlock()
	return pt.pipe, nil
}

// flakyGateway fails AddMessage while failing is set.
type flakyGateway struct {
	storage.Gateway
	failing atomic.Bool
}

func (g *flakyGateway) AddMessage(ctx context.Context, id string, msg model.Message) error {
	if g.failing.Load() {
		return errors.New("database is locked")
	}
	return g.Gateway.AddMessage(ctx, id, msg)
}

type fakeTitler struct {
	title string
	err   error
	calls atomic.Int32
}

func (f *fakeTitler) Title(context.Context, string) (string, error) {
	f.calls.Add(1)
	return f.title, f.err
}

// waitFor blocks until a published snapshot satisfies cond.
func waitFor(t *testing.T, c *Controller, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if cond(snap) {
				return snap
			}
		case <-timeout:
			t.Fatalf("timed out waiting for snapshot; phase is %s", c.Phase())
		}
	}
}

func send(t *testing.T, c *Controller, content string) string {
	t.Helper()
	id, err := c.Send(context.Background(), SendRequest{UserID: "user-1", Content: content, Model: "openai/gpt-4o-mini"})
	require.NoError(t, err)
	return id
}

// =============================================================================
// STREAMING
// =============================================================================

func TestController_StreamsTextToComplete(t *testing.T) {
	store := newStore(t)
	transport := stream.NewReplay(stream.TextDelta("Clo"), stream.TextDelta("sures are…"), stream.Done())
	c := New(Config{Transport: transport, Gateway: store}, nil)

	draftKey := c.Key()
	send(t, c, "Explain closures")
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseComplete, snap.Phase)
	require.NoError(t, snap.Err)
	require.Len(t, snap.Conversation.Messages, 2)

	asst := snap.Conversation.Messages[1]
	require.Equal(t, model.RoleAssistant, asst.Role)
	require.Len(t, asst.Parts, 1)
	require.Equal(t, "Closures are…", model.GetText(asst))

	// The conversation was created when the first chunk arrived.
	require.NotEmpty(t, snap.ConversationID)
	require.NotEqual(t, draftKey, snap.Key)
	require.Equal(t, snap.ConversationID, snap.Key)

	stored, err := store.FindByID(context.Background(), snap.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "Explain closures", stored.Title)
	require.Equal(t, "Closures are…", model.GetText(stored.Messages[1]))

	reqs := transport.Requests()
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].ConversationID, "draft requests carry no conversation id")
	require.Len(t, reqs[0].History, 1)
}

func TestController_ExistingConversationRequest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	conv, err := store.Create(ctx, "user-1", "Maps", nil)
	require.NoError(t, err)
	require.NoError(t, store.AddMessage(ctx, conv.ID, model.NewUserMessage("earlier")))
	conv, _ = store.FindByID(ctx, conv.ID)

	transport := stream.NewReplay(stream.TextDelta("ok"), stream.Done())
	c := New(Config{Transport: transport, Gateway: store}, conv)
	send(t, c, "follow-up")
	c.Wait()

	req := transport.Requests()[0]
	require.Equal(t, conv.ID, req.ConversationID)
	require.Len(t, req.History, 2)
	require.Equal(t, "follow-up", req.Content)

	stored, _ := store.FindByID(ctx, conv.ID)
	require.Len(t, stored.Messages, 3)
	require.Equal(t, "Maps", stored.Title)
}

func TestController_RejectsConcurrentSend(t *testing.T) {
	pt := newPipeTransport()
	c := New(Config{Transport: pt, Gateway: newStore(t)}, nil)
	send(t, c, "first")

	_, err := c.Send(context.Background(), SendRequest{Content: "second"})
	var ve *chaterr.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, c.Conversation().Messages, 2, "rejected send must not touch the working copy")

	require.True(t, pt.pipe.Send(stream.Done()))
	c.Wait()
	require.Equal(t, PhaseComplete, c.Phase())

	// A settled controller accepts the next send.
	pt.pipe = stream.NewPipe()
	send(t, c, "third")
	require.True(t, pt.pipe.Send(stream.Done()))
	c.Wait()
	require.Len(t, c.Conversation().Messages, 4)
}

func TestController_ResendReusesLastPrompt(t *testing.T) {
	store := newStore(t)
	transport := stream.NewReplay(stream.TextDelta("answer"), stream.Done())
	c := New(Config{Transport: transport, Gateway: store}, nil)

	png := stream.Attachment{MediaType: "image/png", Filename: "a.png", DataURL: "data:image/png;base64,AQ=="}
	userID, err := c.Send(context.Background(), SendRequest{
		UserID: "user-1", Content: "what is this", Attachments: []stream.Attachment{png}, Model: "openai/gpt-4o",
	})
	require.NoError(t, err)
	c.Wait()

	_, err = c.Resend(context.Background(), SendRequest{Model: "openai/gpt-4o"})
	var ve *chaterr.ValidationError
	require.True(t, errors.As(err, &ve), "last message is a response")

	require.NoError(t, c.Mutate(func(conv *model.Conversation) error {
		conv.Truncate(1)
		return nil
	}))
	extra := stream.Attachment{MediaType: "image/png", Filename: "b.png", DataURL: "data:image/png;base64,Ag=="}
	id, err := c.Resend(context.Background(), SendRequest{Model: "openai/gpt-4o", Attachments: []stream.Attachment{extra}})
	require.NoError(t, err)
	require.Equal(t, userID, id)
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseComplete, snap.Phase)
	require.Len(t, snap.Conversation.Messages, 2)
	require.Equal(t, userID, snap.Conversation.Messages[0].ID)
	require.Len(t, model.GetFiles(snap.Conversation.Messages[0]), 1)

	reqs := transport.Requests()
	last := reqs[len(reqs)-1]
	require.Equal(t, "what is this", last.Content)
	require.Equal(t, []stream.Attachment{png, extra}, last.Attachments)
	require.Len(t, last.History, 1)
}

func TestController_RejectsEmptyContent(t *testing.T) {
	c := New(Config{Transport: stream.NewReplay(), Gateway: newStore(t)}, nil)
	_, err := c.Send(context.Background(), SendRequest{Content: "  \n"})
	require.Equal(t, chaterr.KindValidation, chaterr.KindOf(err))
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestController_StopPreservesPartialOutput(t *testing.T) {
	store := newStore(t)
	pt := newPipeTransport()
	c := New(Config{Transport: pt, Gateway: store}, nil)
	send(t, c, "What is the capital of France?")

	require.True(t, pt.pipe.Send(stream.TextDelta("The capi")))
	waitFor(t, c, func(s Snapshot) bool { return s.Text() == "The capi" })

	require.True(t, c.Stop())
	require.True(t, pt.pipe.IsClosed())

	snap := c.Snapshot()
	require.Equal(t, PhaseCancelled, snap.Phase)
	require.NoError(t, snap.Err)
	asst := snap.Conversation.Messages[1]
	require.False(t, model.IsError(asst))
	require.Equal(t, "The capi", model.GetText(asst))

	stored, _ := store.FindByID(context.Background(), snap.ConversationID)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "The capi", model.GetText(stored.Messages[1]))

	require.False(t, c.Stop(), "stop after settling is a no-op")
}

func TestController_StopBeforeFirstChunk(t *testing.T) {
	pt := newPipeTransport()
	c := New(Config{Transport: pt, Gateway: newStore(t)}, nil)
	send(t, c, "hello")

	require.True(t, c.Stop())
	snap := c.Snapshot()
	require.Equal(t, PhaseCancelled, snap.Phase)
	require.Len(t, snap.Conversation.Messages, 1, "an empty cancelled reply is dropped")
	require.Empty(t, snap.ConversationID)
}

func TestController_NetworkDropWithoutDone(t *testing.T) {
	store := newStore(t)
	c := New(Config{Transport: stream.NewReplay(stream.TextDelta("The capi")), Gateway: store}, nil)
	send(t, c, "capital?")
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	var ne *chaterr.NetworkError
	require.ErrorAs(t, snap.Err, &ne)

	asst := snap.Conversation.Messages[1]
	require.True(t, model.IsError(asst))
	require.Equal(t, "The capi", model.GetText(asst), "partial text survives the failure")
	details := model.GetErrorDetails(asst)
	require.NotNil(t, details.Details)
	require.Equal(t, chaterr.KindNetwork, details.Details.Kind)
	require.True(t, details.Details.IsRetryable)

	stored, _ := store.FindByID(context.Background(), snap.ConversationID)
	require.True(t, model.IsError(stored.Messages[1]))
}

func TestController_RateLimitErrorChunk(t *testing.T) {
	transport := stream.NewReplay(
		stream.TextDelta("partial"),
		stream.ErrorChunk(&chaterr.ProviderError{Message: "Rate limit exceeded for model", Code: "429"}),
	)
	c := New(Config{Transport: transport, Gateway: newStore(t)}, nil)
	send(t, c, "hi")
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Equal(t, chaterr.KindRateLimit, chaterr.KindOf(snap.Err))
	require.Equal(t, chaterr.KindRateLimit, model.GetErrorDetails(*snap.Assistant).Details.Kind)
}

func TestController_OpenFailureBeforeAnyChunk(t *testing.T) {
	store := newStore(t)
	transport := &stream.Replay{OpenErr: errors.New("dial tcp 127.0.0.1:443: connect: connection refused")}
	c := New(Config{Transport: transport, Gateway: store}, nil)
	send(t, c, "hello")
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Empty(t, snap.ConversationID, "no chunk arrived so nothing was created")
	require.Len(t, snap.Conversation.Messages, 2)
	require.True(t, model.IsError(snap.Conversation.Messages[1]))

	metas, _ := store.List(context.Background(), "")
	require.Empty(t, metas)
}

// =============================================================================
// TOOL CALLS
// =============================================================================

func TestController_ToolCallLifecycle(t *testing.T) {
	output := json.RawMessage(`{"results":["closures capture variables"]}`)
	transport := stream.NewReplay(
		stream.ToolChunk(tools.Event{Type: tools.EventInputStart, ToolCallID: "call_1", ToolName: "web-search"}),
		stream.ToolChunk(tools.Event{Type: tools.EventInputDelta, ToolCallID: "call_1", InputDelta: `{"query":`}),
		stream.ToolChunk(tools.Event{Type: tools.EventInputDelta, ToolCallID: "call_1", InputDelta: `"closures"}`}),
		stream.ToolChunk(tools.Event{Type: tools.EventInputComplete, ToolCallID: "call_1"}),
		stream.ToolChunk(tools.Event{Type: tools.EventOutput, ToolCallID: "call_1", Output: output}),
		// Rejected: the call is already terminal.
		stream.ToolChunk(tools.Event{Type: tools.EventError, ToolCallID: "call_1", ErrorText: "late"}),
		stream.TextDelta("Closures capture variables."),
		stream.Done(),
	)
	c := New(Config{Transport: transport, Gateway: newStore(t)}, nil)
	send(t, c, "search closures")
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseComplete, snap.Phase)

	calls := model.GetToolCalls(*snap.Assistant)
	require.Len(t, calls, 1)
	require.Equal(t, model.ToolOutputAvailable, calls[0].State)
	require.Equal(t, "web-search", calls[0].Name)
	require.JSONEq(t, `{"query":"closures"}`, string(calls[0].Input))
	require.JSONEq(t, string(output), string(calls[0].Output))
	require.Empty(t, calls[0].ErrorText)
	require.Equal(t, "Closures capture variables.", model.GetText(*snap.Assistant))
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestController_PersistFailureIsReconciled(t *testing.T) {
	gw := &flakyGateway{Gateway: newStore(t)}
	c := New(Config{Transport: stream.NewReplay(stream.TextDelta("a"), stream.Done()), Gateway: gw}, nil)
	send(t, c, "first")
	c.Wait()

	gw.failing.Store(true)
	c.cfg.Transport = stream.NewReplay(stream.TextDelta("b"), stream.Done())
	send(t, c, "second")
	c.Wait()

	snap := c.Snapshot()
	require.Equal(t, PhaseComplete, snap.Phase, "a storage failure does not fail the response")
	require.Len(t, snap.Unsynced, 2)

	gw.failing.Store(false)
	require.NoError(t, c.Reconcile(context.Background()))
	require.Empty(t, c.Snapshot().Unsynced)

	stored, _ := gw.FindByID(context.Background(), snap.ConversationID)
	require.Len(t, stored.Messages, 4)
}

func TestController_ReconcileIsIdempotent(t *testing.T) {
	store := newStore(t)
	c := New(Config{Transport: stream.NewReplay(stream.TextDelta("a"), stream.Done()), Gateway: store}, nil)
	send(t, c, "q")
	c.Wait()

	require.NoError(t, c.Reconcile(context.Background()))
	require.NoError(t, c.Reconcile(context.Background()))
	stored, _ := store.FindByID(context.Background(), c.ConversationID())
	require.Len(t, stored.Messages, 2)
}

// =============================================================================
// TITLES
// =============================================================================

func TestController_TitleSynthesisOnFirstResponse(t *testing.T) {
	store := newStore(t)
	titler := &fakeTitler{title: "Closures Explained"}

	var hookTitle atomic.Value
	c := New(Config{
		Transport: stream.NewReplay(stream.TextDelta("x"), stream.Done()),
		Gateway:   store,
		Titler:    titler,
		Hooks: Hooks{OnTitle: func(_, name string) {
			hookTitle.Store(name)
		}},
	}, nil)
	send(t, c, "Explain closures")
	c.Wait()

	require.Equal(t, "Closures Explained", c.Snapshot().Conversation.Title)
	require.Equal(t, "Closures Explained", hookTitle.Load())
	stored, _ := store.FindByID(context.Background(), c.ConversationID())
	require.Equal(t, "Closures Explained", stored.Title)

	send(t, c, "And currying?")
	c.Wait()
	require.Equal(t, int32(1), titler.calls.Load(), "only the first response is titled")
}

func TestController_TitleFailureKeepsProvisional(t *testing.T) {
	store := newStore(t)
	titler := &fakeTitler{err: errors.New("quota exhausted")}
	c := New(Config{
		Transport: stream.NewReplay(stream.TextDelta("x"), stream.Done()),
		Gateway:   store,
		Titler:    titler,
	}, nil)

	msg := "Can you walk me through how closures capture loop variables?"
	send(t, c, msg)
	c.Wait()

	stored, _ := store.FindByID(context.Background(), c.ConversationID())
	require.Equal(t, title.Provisional(msg), stored.Title)
	require.Equal(t, PhaseComplete, c.Phase())
}

func TestController_NoTitleForExistingConversation(t *testing.T) {
	store := newStore(t)
	conv, _ := store.Create(context.Background(), "u", "Kept", nil)
	titler := &fakeTitler{title: "New"}
	c := New(Config{Transport: stream.NewReplay(stream.TextDelta("x"), stream.Done()), Gateway: store, Titler: titler}, conv)
	send(t, c, "hi")
	c.Wait()
	require.Zero(t, titler.calls.Load())
}

// =============================================================================
// MUTATE / SWITCH / SUBSCRIBE
// =============================================================================

func TestController_MutateRefusedWhileActive(t *testing.T) {
	pt := newPipeTransport()
	c := New(Config{Transport: pt, Gateway: newStore(t)}, nil)
	send(t, c, "q")

	err := c.Mutate(func(conv *model.Conversation) error {
		conv.Truncate(0)
		return nil
	})
	require.Equal(t, chaterr.KindValidation, chaterr.KindOf(err))

	pt.pipe.Send(stream.Done())
	c.Wait()

	require.NoError(t, c.Mutate(func(conv *model.Conversation) error {
		conv.Truncate(1)
		return nil
	}))
	require.Len(t, c.Conversation().Messages, 1)

	boom := errors.New("boom")
	require.ErrorIs(t, c.Mutate(func(conv *model.Conversation) error {
		conv.Truncate(0)
		return boom
	}), boom)
	require.Len(t, c.Conversation().Messages, 1, "failed mutation is discarded")
}

func TestController_SwitchAbortsActiveSession(t *testing.T) {
	store := newStore(t)
	pt := newPipeTransport()
	c := New(Config{Transport: pt, Gateway: store}, nil)
	send(t, c, "long question")
	pt.pipe.Send(stream.TextDelta("partial"))
	first := waitFor(t, c, func(s Snapshot) bool { return s.Text() == "partial" })

	other, _ := store.Create(context.Background(), "user-1", "Other", nil)
	c.Switch(context.Background(), other)

	require.True(t, pt.pipe.IsClosed())
	snap := c.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Equal(t, other.ID, snap.Key)
	require.Empty(t, snap.Conversation.Messages)

	stored, _ := store.FindByID(context.Background(), first.ConversationID)
	require.Len(t, stored.Messages, 2, "the aborted reply was kept")
}

func TestController_SubscribeDeliversLatest(t *testing.T) {
	c := New(Config{
		Transport: stream.NewReplay(stream.TextDelta("a"), stream.TextDelta("b"), stream.TextDelta("c"), stream.Done()),
		Gateway:   newStore(t),
	}, nil)

	ch, unsubscribe := c.Subscribe()
	initial := <-ch
	require.Equal(t, PhaseIdle, initial.Phase)

	send(t, c, "abc")
	c.Wait()

	var last Snapshot
	timeout := time.After(2 * time.Second)
	for !last.Phase.Settled() {
		select {
		case last = <-ch:
		case <-timeout:
			t.Fatal("no settled snapshot delivered")
		}
	}
	require.Equal(t, PhaseComplete, last.Phase)
	require.Equal(t, "abc", last.Text())
	require.Greater(t, last.Seq, initial.Seq)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	require.False(t, open)
}

func TestController_OnSettledHookSeesEverySession(t *testing.T) {
	var phases []Phase
	var mu sync.Mutex
	c := New(Config{
		Transport: stream.NewReplay(stream.TextDelta("x")),
		Gateway:   newStore(t),
		Hooks: Hooks{OnSettled: func(s Snapshot) {
			mu.Lock()
			phases = append(phases, s.Phase)
			mu.Unlock()
		}},
	}, nil)
	send(t, c, "1")
	c.Wait()
	send(t, c, "2")
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Phase{PhaseError, PhaseError}, phases)
}

// =============================================================================
// PHASES
// =============================================================================

func TestPhase_Transitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseSending, true},
		{PhaseIdle, PhaseStreaming, false},
		{PhaseSending, PhaseStreaming, true},
		{PhaseSending, PhaseCancelled, true},
		{PhaseStreaming, PhaseComplete, true},
		{PhaseStreaming, PhaseSending, false},
		{PhaseComplete, PhaseIdle, true},
		{PhaseComplete, PhaseStreaming, false},
		{PhaseCancelled, PhaseIdle, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	require.True(t, PhaseSending.Active())
	require.False(t, PhaseComplete.Active())
	require.True(t, PhaseError.Settled())
	require.False(t, PhaseIdle.Settled())
}
