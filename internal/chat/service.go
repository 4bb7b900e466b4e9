// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/router"
	"github.com/jeranaias/prepchat/internal/session"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/stream"
)

// DefaultEventBuffer is the Events channel capacity.
const DefaultEventBuffer = 32

// BranchSuffix is appended to the source title of a branch.
const BranchSuffix = " (Branch)"

// ErrServiceClosed is returned by operations after Close.
var ErrServiceClosed = errors.New("chat service closed")

// Config holds a Service's collaborators.
type Config struct {
	// UserID owns every conversation the service touches
	UserID string

	Gateway   storage.Gateway
	Transport stream.Transport

	// Selector holds the model choice; a fresh one is created when nil
	Selector *router.Selector

	// Titler is optional
	Titler session.Titler

	// Usage is optional; every settled response is recorded in it
	Usage *router.UsageStats

	// DefaultModel is sent when nothing is selected. When empty a
	// selection is required.
	DefaultModel string

	Logger *slog.Logger

	IdleTimeout    time.Duration
	PersistTimeout time.Duration
	TitleTimeout   time.Duration
	EventBuffer    int
}

// Service applies conversation mutations for one user.
type Service struct {
	cfg Config
	log *slog.Logger
	mgr *session.Manager

	events chan Event

	mu     sync.Mutex
	seen   map[*session.Controller]map[string]struct{}
	closed bool
}

// NewService creates a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("chat: gateway is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Selector == nil {
		cfg.Selector = router.NewSelector(nil, nil, nil, nil, cfg.Logger)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	s := &Service{
		cfg:    cfg,
		log:    cfg.Logger.With("user", cfg.UserID),
		events: make(chan Event, cfg.EventBuffer),
		seen:   make(map[*session.Controller]map[string]struct{}),
	}
	base := session.Config{
		Transport:      cfg.Transport,
		Gateway:        cfg.Gateway,
		Titler:         cfg.Titler,
		Logger:         cfg.Logger,
		PersistTimeout: cfg.PersistTimeout,
		TitleTimeout:   cfg.TitleTimeout,
		Hooks: session.Hooks{
			OnCreated: s.onCreated,
			OnSettled: s.onSettled,
			OnTitle:   s.onTitle,
		},
	}
	s.mgr = session.NewManager(base, session.ManagerConfig{IdleTimeout: cfg.IdleTimeout})
	return s, nil
}

// UserID returns the owning user.
func (s *Service) UserID() string { return s.cfg.UserID }

// Selector returns the user's model selector.
func (s *Service) Selector() *router.Selector { return s.cfg.Selector }

// Usage returns the usage counters, or nil when none were configured.
func (s *Service) Usage() *router.UsageStats { return s.cfg.Usage }

// Manager returns the controllers behind the service.
func (s *Service) Manager() *session.Manager { return s.mgr }

// Events returns the notification channel. Events are dropped with a
// warning when the channel is full.
func (s *Service) Events() <-chan Event { return s.events }

// =============================================================================
// OPEN / NEW / SWITCH
// =============================================================================

// New starts a draft conversation and returns its key.
func (s *Service) New() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	ctrl := s.mgr.New()
	s.seed(ctrl, nil)
	return ctrl.Key(), nil
}

// Open loads a stored conversation and returns its working copy. Errors
// already present at load never produce a rate-limit event.
func (s *Service) Open(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if ctrl, ok := s.mgr.Get(conversationID); ok {
		return ctrl.Conversation(), nil
	}
	conv, err := s.owned(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ctrl := s.mgr.Load(conv)
	s.seedOnce(ctrl)
	return ctrl.Conversation(), nil
}

// Switch points the controller under key at another conversation, or at a
// new draft when conversationID is empty. Any response in flight is stopped
// first. It returns the controller's new key.
func (s *Service) Switch(ctx context.Context, key, conversationID string) (string, error) {
	ctrl, err := s.controller(key)
	if err != nil {
		return "", err
	}
	if conversationID != "" && conversationID == ctrl.ConversationID() {
		return ctrl.Key(), nil
	}

	var conv *model.Conversation
	if conversationID != "" {
		if other, ok := s.mgr.Get(conversationID); ok && other != ctrl {
			if err := s.mgr.Remove(ctx, conversationID); err != nil {
				s.log.Warn("closing conversation with unsynced messages", "conversation", conversationID, "error", err)
			}
			s.forget(other)
		}
		if conv, err = s.owned(ctx, conversationID); err != nil {
			return "", err
		}
	}

	ctrl.Switch(ctx, conv)
	s.mgr.Rebind(ctrl)
	s.seed(ctrl, conv)
	return ctrl.Key(), nil
}

// Snapshot returns the current state of the conversation under key.
func (s *Service) Snapshot(key string) (session.Snapshot, error) {
	ctrl, err := s.controller(key)
	if err != nil {
		return session.Snapshot{}, err
	}
	return ctrl.Snapshot(), nil
}

// Subscribe follows the conversation under key.
func (s *Service) Subscribe(key string) (<-chan session.Snapshot, func(), error) {
	ctrl, err := s.controller(key)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := ctrl.Subscribe()
	return ch, cancel, nil
}

// =============================================================================
// SEND / STOP
// =============================================================================

// Send submits a user message with the current selection, enabled tools
// and staged attachments. It returns the user message id.
func (s *Service) Send(ctx context.Context, key, content string) (string, error) {
	return s.send(ctx, key, content, nil)
}

// SendWithContext is Send for a draft that should be stored with convCtx.
func (s *Service) SendWithContext(ctx context.Context, key, content string, convCtx *model.Context) (string, error) {
	return s.send(ctx, key, content, convCtx)
}

func (s *Service) send(ctx context.Context, key, content string, convCtx *model.Context) (string, error) {
	ctrl, err := s.controller(key)
	if err != nil {
		return "", err
	}
	req, err := s.request(content, convCtx)
	if err != nil {
		return "", err
	}
	id, err := ctrl.Send(ctx, req)
	if err != nil {
		return "", err
	}
	// Sent files live on in the user message; their previews are done.
	s.cfg.Selector.ReleaseAll()
	return id, nil
}

// request builds a turn from the current selection, enabled tools and
// staged attachments. Without a selection the configured default model is
// used.
func (s *Service) request(content string, convCtx *model.Context) (session.SendRequest, error) {
	sel := s.cfg.Selector.Selection()
	if sel.IsZero() {
		if s.cfg.DefaultModel == "" {
			return session.SendRequest{}, chaterr.Validation("model", "select a model first")
		}
		info, ok := s.cfg.Selector.Catalog().Lookup(s.cfg.DefaultModel)
		if !ok {
			info = model.ModelInfo{ID: s.cfg.DefaultModel, Provider: model.ProviderOf(s.cfg.DefaultModel)}
		}
		sel = router.Selection{ModelID: info.ID, Provider: info.Provider, SupportsImages: info.SupportsImages(), Info: info}
	}
	return session.SendRequest{
		UserID:      s.cfg.UserID,
		Content:     content,
		Attachments: s.cfg.Selector.Attachments(),
		Model:       sel.ModelID,
		Provider:    sel.Provider,
		Tools:       sel.EnabledTools,
		Reasoning:   sel.SupportsReasoning(),
		Context:     convCtx,
	}, nil
}

// Stop cancels the response streaming under key. It reports whether one
// was in flight.
func (s *Service) Stop(key string) bool {
	ctrl, err := s.controller(key)
	if err != nil {
		return false
	}
	return ctrl.Stop()
}

// Wait blocks until the response and background work under key finish.
func (s *Service) Wait(key string) {
	if ctrl, err := s.controller(key); err == nil {
		ctrl.Wait()
	}
}

// =============================================================================
// EDIT / REGENERATE / DELETE FROM
// =============================================================================

// Edit replaces the user message at index and everything after it with a
// new send of content.
func (s *Service) Edit(ctx context.Context, key string, index int, content string) (string, error) {
	ctrl, err := s.controller(key)
	if err != nil {
		return "", err
	}
	if ctrl.Phase().Active() {
		return "", chaterr.Validation("session", "cannot edit while a response is streaming")
	}
	conv := ctrl.Conversation()
	if index < 0 || index >= len(conv.Messages) {
		return "", chaterr.Validation("index", "no message at index %d", index)
	}
	if conv.Messages[index].Role != model.RoleUser {
		return "", chaterr.Validation("index", "only user messages can be edited")
	}
	if strings.TrimSpace(content) == "" && len(s.cfg.Selector.Staged()) == 0 {
		return "", chaterr.Validation("content", "message is empty")
	}

	if err := s.truncate(ctx, ctrl, index); err != nil {
		return "", err
	}
	return s.Send(ctx, key, content)
}

// Regenerate drops the last assistant message and streams a new response
// to the prompt before it with the current selection. The prompt keeps its
// id and files; staged attachments are sent along.
func (s *Service) Regenerate(ctx context.Context, key string) (string, error) {
	ctrl, err := s.controller(key)
	if err != nil {
		return "", err
	}
	if ctrl.Phase().Active() {
		return "", chaterr.Validation("session", "cannot regenerate while a response is streaming")
	}
	conv := ctrl.Conversation()
	n := len(conv.Messages)
	if n == 0 || conv.Messages[n-1].Role != model.RoleAssistant {
		return "", chaterr.Validation("conversation", "the last message is not a response")
	}
	if n < 2 || conv.Messages[n-2].Role != model.RoleUser {
		return "", chaterr.Validation("conversation", "no prompt precedes the last response")
	}
	prompt := conv.Messages[n-2]
	if strings.TrimSpace(model.GetText(prompt)) == "" && len(model.GetFiles(prompt)) == 0 && len(s.cfg.Selector.Staged()) == 0 {
		return "", chaterr.Validation("content", "the prompt has nothing to resend")
	}
	req, err := s.request("", nil)
	if err != nil {
		return "", err
	}

	if err := s.truncate(ctx, ctrl, n-1); err != nil {
		return "", err
	}
	id, err := ctrl.Resend(ctx, req)
	if err != nil {
		return "", err
	}
	s.cfg.Selector.ReleaseAll()
	return id, nil
}

// DeleteFrom drops the messages at and after index.
func (s *Service) DeleteFrom(ctx context.Context, key string, index int) error {
	ctrl, err := s.controller(key)
	if err != nil {
		return err
	}
	return s.truncate(ctx, ctrl, index)
}

// truncate cuts the working copy, then storage. Unsynced messages are
// pushed first so stored positions match the working copy.
func (s *Service) truncate(ctx context.Context, ctrl *session.Controller, index int) error {
	if index < 0 {
		return chaterr.Validation("index", "index must not be negative")
	}
	if err := ctrl.Reconcile(ctx); err != nil {
		s.log.Warn("truncating with unsynced messages", "key", ctrl.Key(), "error", err)
	}

	var convID string
	err := ctrl.Mutate(func(conv *model.Conversation) error {
		if index > len(conv.Messages) {
			return chaterr.Validation("index", "index %d is past the end of the conversation", index)
		}
		conv.Truncate(index)
		convID = conv.ID
		return nil
	})
	if err != nil {
		return err
	}
	if convID == "" {
		return nil
	}
	if err := s.cfg.Gateway.DeleteMessagesFrom(ctx, convID, index); err != nil {
		return fmt.Errorf("delete messages from %d: %w", index, err)
	}
	return nil
}

// =============================================================================
// BRANCH
// =============================================================================

// Branch copies a conversation up to and including messageID into a new
// conversation titled "<source title> (Branch)".
func (s *Service) Branch(ctx context.Context, conversationID, messageID string) (*model.Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var src *model.Conversation
	if ctrl, ok := s.mgr.Get(conversationID); ok && ctrl.ConversationID() == conversationID {
		src = ctrl.Conversation()
	} else {
		var err error
		if src, err = s.owned(ctx, conversationID); err != nil {
			return nil, err
		}
	}

	prefix, ok := src.Prefix(messageID)
	if !ok {
		return nil, chaterr.NotFound("message", messageID)
	}
	name := src.GetTitle() + BranchSuffix
	branch, err := s.cfg.Gateway.CreateBranch(ctx, src.ID, messageID, s.cfg.UserID, name, prefix, src.Context)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, chaterr.NotFound("conversation", conversationID)
		}
		return nil, fmt.Errorf("create branch: %w", err)
	}

	s.log.Info("conversation branched", "source", src.ID, "branch", branch.ID, "messages", len(prefix))
	s.emit(Event{Type: EventBranched, ConversationID: branch.ID, SourceID: src.ID, MessageID: messageID, Title: branch.Title})
	return branch, nil
}

// =============================================================================
// CONVERSATION FLAGS
// =============================================================================

// List returns the user's conversations.
func (s *Service) List(ctx context.Context) ([]storage.ConversationMeta, error) {
	return s.cfg.Gateway.List(ctx, s.cfg.UserID)
}

// TogglePin flips the pinned flag.
func (s *Service) TogglePin(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, conversationID, s.cfg.Gateway.TogglePin, func(c *model.Conversation) { c.Pinned = !c.Pinned })
}

// Archive hides a conversation from the default listing.
func (s *Service) Archive(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, conversationID, s.cfg.Gateway.Archive, func(c *model.Conversation) { c.Archived = true })
}

// Restore reverses Archive.
func (s *Service) Restore(ctx context.Context, conversationID string) error {
	return s.setFlag(ctx, conversationID, s.cfg.Gateway.Restore, func(c *model.Conversation) { c.Archived = false })
}

// setFlag writes a flag to storage and mirrors it in a loaded working copy.
// The mirror is skipped while a response streams; storage stays correct.
func (s *Service) setFlag(ctx context.Context, id string, write func(context.Context, string) error, apply func(*model.Conversation)) error {
	if _, err := s.owned(ctx, id); err != nil {
		return err
	}
	if err := write(ctx, id); err != nil {
		return err
	}
	if ctrl, ok := s.mgr.Get(id); ok {
		_ = ctrl.Mutate(func(c *model.Conversation) error {
			apply(c)
			return nil
		})
	}
	return nil
}

// Delete stops any response for the conversation and deletes it.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.owned(ctx, conversationID); err != nil {
		return err
	}
	if ctrl, ok := s.mgr.Get(conversationID); ok {
		if err := s.mgr.Remove(ctx, conversationID); err != nil {
			s.log.Debug("discarding unsynced messages of deleted conversation", "conversation", conversationID, "error", err)
		}
		s.forget(ctrl)
	}
	if err := s.cfg.Gateway.Delete(ctx, conversationID); err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return chaterr.NotFound("conversation", conversationID)
		}
		return err
	}
	s.log.Info("conversation deleted", "conversation", conversationID)
	return nil
}

// =============================================================================
// RECONCILIATION / LIFECYCLE
// =============================================================================

// Reconcile pushes unsynced messages of the conversation under key.
func (s *Service) Reconcile(ctx context.Context, key string) error {
	ctrl, err := s.controller(key)
	if err != nil {
		return err
	}
	return ctrl.Reconcile(ctx)
}

// Sweep evicts idle conversations and returns their keys.
func (s *Service) Sweep(ctx context.Context) []string {
	evicted := s.mgr.Sweep(ctx, time.Now())
	if len(evicted) == 0 {
		return nil
	}
	s.mu.Lock()
	for ctrl := range s.seen {
		if !s.mgr.Has(ctrl) {
			delete(s.seen, ctrl)
		}
	}
	s.mu.Unlock()
	return evicted
}

// Close stops every response, pushes unsynced messages and releases staged
// previews. The Events channel is closed.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	// Events raised while stopping are dropped by emit.
	s.closed = true
	s.mu.Unlock()

	err := s.mgr.StopAll(ctx)
	s.cfg.Selector.ReleaseAll()

	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	return err
}

// =============================================================================
// HOOKS
// =============================================================================

func (s *Service) onCreated(key, conversationID string) {
	s.emit(Event{Type: EventCreated, Key: key, ConversationID: conversationID})
}

func (s *Service) onTitle(conversationID, title string) {
	s.emit(Event{Type: EventTitleUpdated, ConversationID: conversationID, Title: title})
}

// onSettled records usage and fires the rate-limit event for error
// messages this service has not seen before.
func (s *Service) onSettled(snap session.Snapshot) {
	if snap.Assistant == nil {
		return
	}
	msg := *snap.Assistant

	if s.cfg.Usage != nil {
		info, _ := s.cfg.Selector.Catalog().Lookup(msg.Model)
		s.cfg.Usage.Record(msg, info, lastPrompt(snap.Conversation))
	}

	if snap.Phase != session.PhaseError || !model.IsError(msg) {
		return
	}
	ctrl, ok := s.mgr.Get(snap.Key)
	if !ok || !s.markSeen(ctrl, msg.ID) {
		return
	}
	info := model.GetErrorDetails(msg)
	if info.Details == nil || info.Details.Kind != chaterr.KindRateLimit {
		return
	}
	s.emit(Event{
		Type:           EventRateLimited,
		Key:            snap.Key,
		ConversationID: snap.ConversationID,
		MessageID:      msg.ID,
		Message:        info.Message,
	})
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped, channel full", "type", ev.Type, "conversation", ev.ConversationID)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func (s *Service) controller(key string) (*session.Controller, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctrl, ok := s.mgr.Get(key)
	if !ok {
		return nil, chaterr.NotFound("conversation", key)
	}
	return ctrl, nil
}

// owned loads a conversation owned by the service's user. Conversations
// of other users are reported as missing.
func (s *Service) owned(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := s.cfg.Gateway.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if conv == nil || conv.UserID != s.cfg.UserID {
		return nil, chaterr.NotFound("conversation", id)
	}
	return conv, nil
}

// seed resets the seen-set of ctrl to the error messages of conv.
func (s *Service) seed(ctrl *session.Controller, conv *model.Conversation) {
	ids := make(map[string]struct{})
	if conv != nil {
		for _, m := range conv.Messages {
			if model.IsError(m) {
				ids[m.ID] = struct{}{}
			}
		}
	}
	s.mu.Lock()
	s.seen[ctrl] = ids
	s.mu.Unlock()
}

// seedOnce seeds ctrl unless a concurrent Open already did.
func (s *Service) seedOnce(ctrl *session.Controller) {
	s.mu.Lock()
	_, done := s.seen[ctrl]
	s.mu.Unlock()
	if !done {
		s.seed(ctrl, ctrl.Conversation())
	}
}

// markSeen records id and reports whether it was new.
func (s *Service) markSeen(ctrl *session.Controller, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.seen[ctrl]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[ctrl] = ids
	}
	if _, dup := ids[id]; dup {
		return false
	}
	ids[id] = struct{}{}
	return true
}

func (s *Service) forget(ctrl *session.Controller) {
	s.mu.Lock()
	delete(s.seen, ctrl)
	s.mu.Unlock()
}

// lastPrompt returns the text of the last user message in conv.
func lastPrompt(conv *model.Conversation) string {
	if conv == nil {
		return ""
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == model.RoleUser {
			return model.GetText(conv.Messages[i])
		}
	}
	return ""
}
