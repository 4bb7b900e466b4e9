// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/stream"
	"github.com/jeranaias/prepchat/internal/title"
	"github.com/jeranaias/prepchat/internal/tools"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Titler produces a short title from a conversation's first user message.
type Titler interface {
	Title(ctx context.Context, firstMessage string) (string, error)
}

// Hooks are called from the controller's goroutines without its lock held.
type Hooks struct {
	// OnCreated runs once the conversation exists in storage
	OnCreated func(key, conversationID string)

	// OnSettled runs after every session settles, with persistence done.
	// Unlike Subscribe it never skips a session.
	OnSettled func(Snapshot)

	// OnTitle runs after a synthesized title replaced the provisional one
	OnTitle func(conversationID, title string)
}

// Config holds a controller's collaborators.
type Config struct {
	Transport stream.Transport
	Gateway   storage.Gateway

	// Titler is optional; without it conversations keep their provisional title
	Titler Titler

	Logger *slog.Logger

	// PersistTimeout bounds each storage call (default: 10 seconds)
	PersistTimeout time.Duration

	// TitleTimeout bounds title synthesis (default: 30 seconds)
	TitleTimeout time.Duration

	Hooks Hooks
}

// SendRequest is one user turn.
type SendRequest struct {
	UserID      string
	Content     string
	Attachments []stream.Attachment

	Model    string
	Provider string
	Tools    []string

	Reasoning bool

	// Context is stored with a conversation created by this send
	Context *model.Context
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the working copy of one conversation and at most one
// in-flight response stream for it.
//
// The working copy is mutated only by the active stream or, while no stream
// is active, through Mutate. Chunks are applied in arrival order by a single
// goroutine per stream.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex

	key       string
	conv      *model.Conversation
	persisted bool

	// needsTitle is set when this controller created the conversation and
	// cleared once title synthesis has been started
	needsTitle   bool
	createFailed bool

	phase   Phase
	asst    *model.Message
	tracker *tools.Tracker
	err     error

	stopped bool
	cancel  context.CancelFunc
	st      stream.Stream
	done    chan struct{}

	unsynced []string

	seq     uint64
	subs    map[int]chan Snapshot
	nextSub int

	bg sync.WaitGroup
}

// New creates a controller. A nil conv starts a draft that is created in
// storage when its first response chunk arrives.
func New(cfg Config, conv *model.Conversation) *Controller {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:   cfg,
		log:   logger,
		phase: PhaseIdle,
		subs:  make(map[int]chan Snapshot),
	}
	c.load(conv)
	return c
}

// load replaces the working copy. Callers hold c.mu or own c exclusively.
func (c *Controller) load(conv *model.Conversation) {
	if conv == nil {
		c.key = "draft_" + uuid.NewString()
		c.conv = &model.Conversation{Messages: make([]model.Message, 0)}
		c.persisted = false
	} else {
		c.conv = conv.Clone()
		c.key = conv.ID
		c.persisted = true
	}
	c.needsTitle = false
	c.createFailed = false
	c.phase = PhaseIdle
	c.asst = nil
	c.tracker = nil
	c.err = nil
	c.stopped = false
	c.unsynced = nil
}

// Key returns the controller's key: the conversation id, or a draft key
// until the conversation has been created.
func (c *Controller) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// ConversationID returns the stored conversation id, empty for a draft.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.ID
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Conversation returns a copy of the working conversation.
func (c *Controller) Conversation() *model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked().Conversation
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// =============================================================================
// SEND
// =============================================================================

// Send appends the user message to the working copy and starts streaming the
// response in the background. It returns the user message id.
//
// Send fails with a ValidationError while another response is in flight.
func (c *Controller) Send(ctx context.Context, req SendRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return "", chaterr.Validation("content", "message is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return "", err
	}

	if !c.persisted {
		if c.conv.UserID == "" {
			c.conv.UserID = req.UserID
		}
		if c.conv.Context == nil && req.Context != nil {
			convCtx := *req.Context
			c.conv.Context = &convCtx
		}
	}

	files := make([]model.FilePart, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		files = append(files, a.FilePart())
	}
	user := model.NewUserMessage(req.Content, files...)
	c.conv.Append(user)

	stored := user.Clone()
	c.startLocked(ctx, req, req.Content, req.Attachments, &stored)
	return user.ID, nil
}

// Resend streams a new response to the last message, which must be a user
// message. The message keeps its id and files; they are sent again together
// with req.Attachments. req.Content is ignored. It returns the user message
// id.
func (c *Controller) Resend(ctx context.Context, req SendRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return "", err
	}
	n := len(c.conv.Messages)
	if n == 0 || c.conv.Messages[n-1].Role != model.RoleUser {
		return "", chaterr.Validation("conversation", "the last message is not a prompt")
	}
	user := c.conv.Messages[n-1]

	var atts []stream.Attachment
	for _, f := range model.GetFiles(user) {
		atts = append(atts, stream.Attachment{MediaType: f.MediaType, Filename: f.Filename, DataURL: f.URL})
	}
	atts = append(atts, req.Attachments...)
	content := model.GetText(user)
	if strings.TrimSpace(content) == "" && len(atts) == 0 {
		return "", chaterr.Validation("content", "the prompt has nothing to resend")
	}

	c.startLocked(ctx, req, content, atts, nil)
	return user.ID, nil
}

// readyLocked refuses while a response is in flight and clears a settled
// phase. Callers hold c.mu.
func (c *Controller) readyLocked() error {
	if c.phase.Active() {
		return chaterr.Validation("session", "a response is already streaming for this conversation")
	}
	if c.phase.Settled() {
		c.setPhase(PhaseIdle)
	}
	return nil
}

// startLocked opens the assistant message and starts the stream goroutine.
// user is persisted before the stream opens when non-nil. Callers hold c.mu.
func (c *Controller) startLocked(ctx context.Context, req SendRequest, content string, atts []stream.Attachment, user *model.Message) {
	asst := model.NewAssistantMessage(req.Model)
	c.asst = &asst
	c.tracker = tools.NewTracker(c.asst)
	c.err = nil
	c.stopped = false
	c.setPhase(PhaseSending)

	history := make([]model.Message, len(c.conv.Messages))
	for i, m := range c.conv.Messages {
		history[i] = m.Clone()
	}
	sreq := stream.Request{
		History:     history,
		Content:     content,
		Attachments: atts,
		Model:       req.Model,
		Provider:    req.Provider,
		Tools:       append([]string(nil), req.Tools...),
		Reasoning:   req.Reasoning,
	}
	if c.persisted {
		sreq.ConversationID = c.conv.ID
	}

	// The stream outlives the caller's request; only Stop cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done

	c.publishLocked()
	go c.run(runCtx, sreq, user, c.persisted, done)
}

// run consumes one stream until it settles.
func (c *Controller) run(ctx context.Context, req stream.Request, user *model.Message, persisted bool, done chan struct{}) {
	defer close(done)

	if persisted && user != nil {
		c.persist(*user)
	}

	st, err := c.cfg.Transport.Open(ctx, req)
	if err != nil {
		c.fail(err)
		return
	}
	defer st.Close()

	if !c.attach(st) {
		c.settle(PhaseCancelled, nil)
		return
	}

	first := true
	for {
		chunk, err := st.Recv()
		if c.stopRequested() {
			c.settle(PhaseCancelled, nil)
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The body ended without a done chunk.
				err = &chaterr.NetworkError{Err: io.ErrUnexpectedEOF}
			}
			c.fail(err)
			return
		}
		if first {
			first = false
			c.beginStreaming()
		}
		if c.apply(chunk) {
			return
		}
	}
}

// attach records the open stream so Stop can close it.
func (c *Controller) attach(st stream.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.st = st
	return true
}

func (c *Controller) stopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// fail settles the session after a transport error.
func (c *Controller) fail(err error) {
	if c.stopRequested() {
		c.settle(PhaseCancelled, nil)
		return
	}
	classified := chaterr.Classify(err)
	if errors.Is(classified, context.Canceled) {
		c.settle(PhaseCancelled, nil)
		return
	}
	c.settle(PhaseError, classified)
}

// beginStreaming moves to streaming on the first chunk and creates a draft
// conversation in storage.
func (c *Controller) beginStreaming() {
	c.mu.Lock()
	c.setPhase(PhaseStreaming)
	needCreate := !c.persisted
	c.publishLocked()
	c.mu.Unlock()

	if needCreate {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		defer cancel()
		if err := c.create(ctx); err != nil {
			c.log.Error("failed to create conversation", "key", c.Key(), "error", err)
		}
	}
}

// apply folds one chunk into the assistant message. It reports whether the
// chunk settled the session.
func (c *Controller) apply(chunk stream.Chunk) bool {
	c.mu.Lock()
	switch chunk.Type {
	case stream.ChunkTextDelta:
		c.asst.AppendText(chunk.Text)
	case stream.ChunkReasoningDelta:
		c.asst.AppendReasoning(chunk.Text)
	case stream.ChunkTool:
		if chunk.Tool == nil {
			c.log.Warn("dropped tool chunk without event", "key", c.key)
			break
		}
		if err := c.tracker.Apply(*chunk.Tool); err != nil {
			c.log.Warn("dropped tool event", "key", c.key, "tool_call_id", chunk.Tool.ToolCallID,
				"event", chunk.Tool.Type, "error", err)
		}
	case stream.ChunkFile:
		if chunk.File != nil {
			c.asst.AddFile(*chunk.File)
		}
	case stream.ChunkMetadata:
		if chunk.Metadata != nil {
			md := *chunk.Metadata
			c.asst.Metadata = &md
		}
	case stream.ChunkError:
		c.mu.Unlock()
		err := chunk.Err
		if err == nil {
			err = &chaterr.ProviderError{Message: "provider reported an error"}
		}
		c.settle(PhaseError, chaterr.Classify(err))
		return true
	case stream.ChunkDone:
		c.mu.Unlock()
		c.settle(PhaseComplete, nil)
		return true
	default:
		c.log.Debug("ignored unknown chunk", "key", c.key, "type", chunk.Type)
	}
	c.publishLocked()
	c.mu.Unlock()
	return false
}

// settle finishes the session: the assistant message is persisted, then
// appended to the working copy together with the phase change, and title
// synthesis starts for the first complete response of a new conversation.
func (c *Controller) settle(phase Phase, err error) {
	c.mu.Lock()
	if phase == PhaseError {
		c.asst.SetError(model.ErrorInfoFrom(err))
	}
	final := c.asst.Clone()
	// A stop before any output leaves nothing worth keeping.
	keep := phase != PhaseCancelled || len(final.Parts) > 0
	c.mu.Unlock()

	if keep {
		c.persist(final)
	}

	c.mu.Lock()
	if keep {
		c.conv.Append(final)
	}
	c.err = err
	c.setPhase(phase)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.st = nil

	startTitle := phase == PhaseComplete && c.needsTitle && c.cfg.Titler != nil && c.persisted
	if startTitle {
		c.needsTitle = false
		c.bg.Add(1)
		go c.synthesizeTitle(c.conv.ID, c.conv.FirstUserText())
	}
	c.publishLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if phase == PhaseError {
		c.log.Warn("response failed", "key", snap.Key, "kind", chaterr.KindOf(err), "error", err)
	}
	if hook := c.cfg.Hooks.OnSettled; hook != nil {
		hook(snap)
	}
}

// =============================================================================
// STOP / SWITCH / MUTATE
// =============================================================================

// Stop cancels the in-flight response and waits for it to settle as
// cancelled. Output received so far is kept. It reports whether a response
// was in flight.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.phase.Active() {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	st, done := c.st, c.done
	c.mu.Unlock()

	if st != nil {
		st.Close()
	}
	<-done
	return true
}

// Switch aborts any in-flight response, pushes unsynced messages, and loads
// conv as the new working copy. A nil conv starts a new draft.
func (c *Controller) Switch(ctx context.Context, conv *model.Conversation) {
	c.Stop()
	if err := c.Reconcile(ctx); err != nil {
		c.log.Warn("leaving conversation with unsynced messages", "key", c.Key(), "error", err)
	}

	c.mu.Lock()
	c.load(conv)
	c.publishLocked()
	c.mu.Unlock()
}

// Mutate applies fn to a copy of the working conversation and installs the
// result if fn succeeds. It fails with a ValidationError while a response is
// in flight. fn must not call back into the controller.
func (c *Controller) Mutate(fn func(conv *model.Conversation) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase.Active() {
		return chaterr.Validation("session", "conversation is busy streaming a response")
	}
	work := c.conv.Clone()
	if err := fn(work); err != nil {
		return err
	}
	c.conv = work

	// Forget unsynced messages that are no longer part of the conversation.
	kept := c.unsynced[:0]
	for _, id := range c.unsynced {
		if c.conv.IndexOf(id) >= 0 {
			kept = append(kept, id)
		}
	}
	c.unsynced = kept

	c.publishLocked()
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// create stores a draft conversation and mirrors its messages.
func (c *Controller) create(ctx context.Context) error {
	c.mu.Lock()
	if c.persisted {
		c.mu.Unlock()
		return nil
	}
	userID := c.conv.UserID
	convCtx := c.conv.Context
	name := c.conv.Title
	if name == "" {
		name = title.Provisional(c.conv.FirstUserText())
	}
	pending := make([]model.Message, len(c.conv.Messages))
	for i, m := range c.conv.Messages {
		pending[i] = m.Clone()
	}
	c.mu.Unlock()

	created, err := c.cfg.Gateway.Create(ctx, userID, name, convCtx)
	if err != nil {
		c.mu.Lock()
		c.createFailed = true
		c.mu.Unlock()
		return err
	}

	var failed []string
	for _, m := range pending {
		if err := c.cfg.Gateway.AddMessage(ctx, created.ID, m); err != nil {
			c.log.Error("failed to persist message", "conversation", created.ID, "message", m.ID, "error", err)
			failed = append(failed, m.ID)
		}
	}

	c.mu.Lock()
	oldKey := c.key
	c.conv.ID = created.ID
	c.conv.Title = created.Title
	c.conv.CreatedAt = created.CreatedAt
	c.persisted = true
	c.createFailed = false
	c.needsTitle = true
	c.key = created.ID
	for _, id := range failed {
		c.markUnsyncedLocked(id)
	}
	c.publishLocked()
	c.mu.Unlock()

	c.log.Info("conversation created", "conversation", created.ID, "draft", oldKey)
	if hook := c.cfg.Hooks.OnCreated; hook != nil {
		hook(oldKey, created.ID)
	}
	return nil
}

// persist writes msg; a failure leaves its id in the unsynced list.
func (c *Controller) persist(msg model.Message) {
	c.mu.Lock()
	id, ok := c.conv.ID, c.persisted
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()

	err := c.cfg.Gateway.AddMessage(ctx, id, msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Error("failed to persist message", "conversation", id, "message", msg.ID, "error", err)
		c.markUnsyncedLocked(msg.ID)
		return
	}
	c.clearUnsyncedLocked(msg.ID)
}

// Reconcile pushes messages whose earlier writes failed. A draft whose
// creation failed is created first.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	retryCreate := !c.persisted && c.createFailed
	c.mu.Unlock()
	if retryCreate {
		if err := c.create(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if !c.persisted {
		c.mu.Unlock()
		return nil
	}
	convID := c.conv.ID
	pending := make([]model.Message, 0, len(c.unsynced))
	for _, id := range c.unsynced {
		if i := c.conv.IndexOf(id); i >= 0 {
			pending = append(pending, c.conv.Messages[i].Clone())
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, msg := range pending {
		if err := c.cfg.Gateway.AddMessage(ctx, convID, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		c.mu.Lock()
		c.clearUnsyncedLocked(msg.ID)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.publishLocked()
	c.mu.Unlock()
	return errors.Join(errs...)
}

func (c *Controller) markUnsyncedLocked(id string) {
	for _, u := range c.unsynced {
		if u == id {
			return
		}
	}
	c.unsynced = append(c.unsynced, id)
}

func (c *Controller) clearUnsyncedLocked(id string) {
	for i, u := range c.unsynced {
		if u == id {
			c.unsynced = append(c.unsynced[:i], c.unsynced[i+1:]...)
			return
		}
	}
}

// =============================================================================
// TITLE
// =============================================================================

func (c *Controller) synthesizeTitle(convID, first string) {
	defer c.bg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TitleTimeout)
	defer cancel()

	name, err := c.cfg.Titler.Title(ctx, first)
	if err != nil || name == "" {
		c.log.Debug("keeping provisional title", "conversation", convID, "error", err)
		return
	}
	if err := c.cfg.Gateway.UpdateTitle(ctx, convID, name); err != nil {
		c.log.Warn("failed to store title", "conversation", convID, "error", err)
		return
	}

	c.mu.Lock()
	if c.conv.ID != convID {
		c.mu.Unlock()
		return
	}
	c.conv.Title = name
	c.publishLocked()
	c.mu.Unlock()

	if hook := c.cfg.Hooks.OnTitle; hook != nil {
		hook(convID, name)
	}
}

// Wait blocks until the current response has settled and background title
// synthesis has finished.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.bg.Wait()
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe returns a channel of snapshots and a function that ends the
// subscription. The channel holds only the latest snapshot: a slow reader
// skips intermediate states but never misses the most recent one. The
// current state is delivered immediately.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// publishLocked delivers a fresh snapshot to every subscriber.
func (c *Controller) publishLocked() {
	c.seq++
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot the reader has not taken yet.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Key:            c.key,
		ConversationID: c.conv.ID,
		Phase:          c.phase,
		Conversation:   c.conv.Clone(),
		Err:            c.err,
		Unsynced:       append([]string(nil), c.unsynced...),
		Seq:            c.seq,
	}
	if c.asst != nil {
		asst := c.asst.Clone()
		snap.Assistant = &asst
		if c.phase.Active() {
			snap.Conversation.Messages = append(snap.Conversation.Messages, asst.Clone())
		}
	}
	return snap
}

func (c *Controller) setPhase(next Phase) {
	if c.phase == next {
		return
	}
	if !c.phase.CanTransition(next) {
		c.log.Error("unexpected phase change", "key", c.key, "error", &transitionError{from: c.phase, to: next})
	}
	c.phase = next
}
