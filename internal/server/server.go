// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jeranaias/prepchat/internal/chat"
	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/files"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/router"
	"github.com/jeranaias/prepchat/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address for the HTTP server.
	DefaultAddr = "127.0.0.1:8787"

	// MaxContentLength is the maximum message length in runes.
	MaxContentLength = 100000

	// MaxRequestBodySize bounds JSON request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxAttachmentBodySize bounds attachment uploads: a base64 encoded
	// file of files.MaxFileSize plus envelope.
	MaxAttachmentBodySize = files.MaxFileSize/3*4 + 64*1024

	// UserHeader selects the acting user. Requests without it act as the
	// configured default user.
	UserHeader = "X-Prepchat-User"

	// keepAlive is the interval between SSE comments on idle streams.
	keepAlive = 15 * time.Second
)

// Version is reported by /health. main sets it from the build.
var Version = "0.3.0"

// ============================================================================
// SERVER STATS
// ============================================================================

// Stats tracks server-wide request counters.
type Stats struct {
	TotalRequests int64     `json:"total_requests"`
	Sends         int64     `json:"sends"`
	OpenStreams   int64     `json:"open_streams"`
	StartTime     time.Time `json:"start_time"`
}

// ============================================================================
// SERVER
// ============================================================================

// ServiceFactory builds the chat service for a user.
type ServiceFactory func(userID string) (*chat.Service, error)

// Options configures a Server.
type Options struct {
	Addr           string
	AllowedOrigins []string

	// RateLimitRPS limits requests per client IP; zero disables limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// DefaultUser acts for requests without UserHeader
	DefaultUser string

	// Catalog backs GET /v1/models
	Catalog *model.Catalog

	Logger *slog.Logger
}

// Server exposes the conversation engine over HTTP. Session state is
// streamed to clients as Server-Sent Events.
type Server struct {
	opts    Options
	log     *slog.Logger
	factory ServiceFactory
	mux     *http.ServeMux
	limiter *RateLimiter
	server  *http.Server

	requests    atomic.Int64
	sends       atomic.Int64
	openStreams atomic.Int64
	started     time.Time

	mu     sync.Mutex
	users  map[string]*userState
	closed bool

	// streams is the base context of every request; Shutdown cancels it
	// to end open event streams.
	streams      context.Context
	cancelStream context.CancelFunc
}

// userState is one user's service and its event fan-out.
type userState struct {
	svc *chat.Service
	hub *hub
}

// New creates a Server. factory is called once per user on first use.
func New(opts Options, factory ServiceFactory) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.DefaultUser == "" {
		opts.DefaultUser = "local"
	}
	if opts.Catalog == nil {
		opts.Catalog = model.DefaultCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:    opts,
		log:     opts.Logger.With("component", "server"),
		factory: factory,
		mux:     http.NewServeMux(),
		started: time.Now(),
		users:   make(map[string]*userState),
	}
	s.streams, s.cancelStream = context.WithCancel(context.Background())
	if opts.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	s.setupRoutes()
	return s
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)

	s.mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	s.mux.HandleFunc("POST /v1/conversations", s.handleNewConversation)
	s.mux.HandleFunc("GET /v1/conversations/{id}", s.handleOpenConversation)
	s.mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	s.mux.HandleFunc("POST /v1/conversations/{id}/pin", s.handleFlag)
	s.mux.HandleFunc("POST /v1/conversations/{id}/archive", s.handleFlag)
	s.mux.HandleFunc("POST /v1/conversations/{id}/restore", s.handleFlag)
	s.mux.HandleFunc("POST /v1/conversations/{id}/branch", s.handleBranch)

	s.mux.HandleFunc("GET /v1/sessions/{key}", s.handleSnapshot)
	s.mux.HandleFunc("GET /v1/sessions/{key}/stream", s.handleSessionStream)
	s.mux.HandleFunc("POST /v1/sessions/{key}/messages", s.handleSend)
	s.mux.HandleFunc("POST /v1/sessions/{key}/edit", s.handleEdit)
	s.mux.HandleFunc("POST /v1/sessions/{key}/regenerate", s.handleRegenerate)
	s.mux.HandleFunc("POST /v1/sessions/{key}/truncate", s.handleTruncate)
	s.mux.HandleFunc("POST /v1/sessions/{key}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/sessions/{key}/switch", s.handleSwitch)

	s.mux.HandleFunc("GET /v1/selection", s.handleGetSelection)
	s.mux.HandleFunc("PUT /v1/selection", s.handleSelect)
	s.mux.HandleFunc("DELETE /v1/selection", s.handleClearSelection)
	s.mux.HandleFunc("PUT /v1/selection/tools/{name}", s.handleEnableTool)
	s.mux.HandleFunc("DELETE /v1/selection/tools/{name}", s.handleDisableTool)

	s.mux.HandleFunc("GET /v1/attachments", s.handleListAttachments)
	s.mux.HandleFunc("POST /v1/attachments", s.handleStage)
	s.mux.HandleFunc("DELETE /v1/attachments/{url}", s.handleUnstage)

	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/usage", s.handleUsage)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		newCORS(s.opts.AllowedOrigins).Handler,
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
		s.countRequests,
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.log))
	}
	return Chain(middlewares...)(s.mux)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// USERS
// ============================================================================

// userOf resolves the acting user's service, creating it on first use.
func (s *Server) userOf(r *http.Request) (*userState, error) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		userID = s.opts.DefaultUser
	}
	if len(userID) > 128 || strings.ContainsAny(userID, "/\\\n\r") {
		return nil, chaterr.Validation("user", "invalid user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, chat.ErrServiceClosed
	}
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	svc, err := s.factory(userID)
	if err != nil {
		return nil, fmt.Errorf("start chat service: %w", err)
	}
	u := &userState{svc: svc, hub: newHub()}
	go u.hub.run(svc.Events())
	s.users[userID] = u
	s.log.Info("user session started", "user", userID)
	return u, nil
}

// services returns every live service.
func (s *Server) services() []*chat.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chat.Service, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.svc)
	}
	return out
}

// Sweep evicts idle conversations of every user.
func (s *Server) Sweep(ctx context.Context) int {
	n := 0
	for _, svc := range s.services() {
		n += len(svc.Sweep(ctx))
	}
	return n
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// ErrorView is the JSON form of an engine error.
type ErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SnapshotView is the JSON form of a session snapshot.
type SnapshotView struct {
	Key            string              `json:"key"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Phase          session.Phase       `json:"phase"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	Assistant      *model.Message      `json:"assistant,omitempty"`
	Error          *ErrorView          `json:"error,omitempty"`
	Unsynced       []string            `json:"unsynced,omitempty"`
	Seq            uint64              `json:"seq"`
}

func viewOf(snap session.Snapshot) SnapshotView {
	v := SnapshotView{
		Key:            snap.Key,
		ConversationID: snap.ConversationID,
		Phase:          snap.Phase,
		Conversation:   snap.Conversation,
		Assistant:      snap.Assistant,
		Unsynced:       snap.Unsynced,
		Seq:            snap.Seq,
	}
	if snap.Err != nil {
		v.Error = &ErrorView{
			Kind:    chaterr.KindOf(snap.Err).String(),
			Message: snap.Err.Error(),
			Code:    chaterr.Code(snap.Err),
		}
	}
	return v
}

// SendRequest is the body of POST /v1/sessions/{key}/messages.
type SendRequest struct {
	Content string         `json:"content"`
	Model   string         `json:"model,omitempty"`
	Tools   []string       `json:"tools,omitempty"`
	Context *model.Context `json:"context,omitempty"`
}

// SendResponse reports where to follow the response.
type SendResponse struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id"`
}

// AttachmentRequest is the body of POST /v1/attachments. Data is base64
// in JSON.
type AttachmentRequest struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data"`
}

// AttachmentView describes a staged file.
type AttachmentView struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Size      int    `json:"size"`
}

// ============================================================================
// HEALTH / STATS / MODELS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users := len(s.users)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"users":   users,
		"models":  s.opts.Catalog.Len(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats": Stats{
			TotalRequests: s.requests.Load(),
			Sends:         s.sends.Load(),
			OpenStreams:   s.openStreams.Load(),
			StartTime:     s.started,
		},
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.opts.Catalog.List(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	usage := u.svc.Usage()
	if usage == nil {
		s.writeJSON(w, http.StatusOK, router.Usage{ByModel: map[string]int{}})
		return
	}
	s.writeJSON(w, http.StatusOK, usage.Snapshot())
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metas, err := u.svc.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("archived") != "true" {
		kept := metas[:0]
		for _, m := range metas {
			if !m.Archived {
				kept = append(kept, m)
			}
		}
		metas = kept
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": metas})
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key, err := u.svc.New()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conv, err := u.svc.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"key": conv.ID, "conversation": conv})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := u.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFlag serves pin, archive and restore.
func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	switch {
	case strings.HasSuffix(r.URL.Path, "/pin"):
		err = u.svc.TogglePin(r.Context(), id)
	case strings.HasSuffix(r.URL.Path, "/archive"):
		err = u.svc.Archive(r.Context(), id)
	default:
		err = u.svc.Restore(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	conv, err := u.svc.Branch(r.Context(), r.PathValue("id"), req.MessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"key": conv.ID, "conversation": conv})
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := u.svc.Snapshot(r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(snap))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req SendRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := validateContent(req.Content); err != nil {
		s.writeError(w, err)
		return
	}

	sel := u.svc.Selector()
	if req.Model != "" && req.Model != sel.Selection().ModelID {
		if _, err := sel.SelectModel(r.Context(), u.svc.UserID(), req.Model); err != nil {
			var nf *chaterr.NotFoundError
			if errors.As(err, &nf) {
				s.writeError(w, err)
				return
			}
			s.log.Warn("model preference not saved", "error", err)
		}
	}
	for _, name := range req.Tools {
		if err := sel.EnableTool(name); err != nil {
			s.writeError(w, err)
			return
		}
	}

	key := r.PathValue("key")
	msgID, err := u.svc.SendWithContext(r.Context(), key, req.Content, req.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sends.Add(1)

	// The draft key may have been replaced by the conversation id already.
	if snap, err := u.svc.Snapshot(key); err == nil {
		key = snap.Key
	}
	s.writeJSON(w, http.StatusAccepted, SendResponse{Key: key, MessageID: msgID})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Index   int    `json:"index"`
		Content string `json:"content"`
	}
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := validateContent(req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	key := r.PathValue("key")
	msgID, err := u.svc.Edit(r.Context(), key, req.Index, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sends.Add(1)
	s.writeJSON(w, http.StatusAccepted, SendResponse{Key: key, MessageID: msgID})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := r.PathValue("key")
	msgID, err := u.svc.Regenerate(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sends.Add(1)
	s.writeJSON(w, http.StatusAccepted, SendResponse{Key: key, MessageID: msgID})
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := u.svc.DeleteFrom(r.Context(), r.PathValue("key"), req.Index); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": u.svc.Stop(r.PathValue("key"))})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	key, err := u.svc.Switch(r.Context(), r.PathValue("key"), req.ConversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// ============================================================================
// SELECTION / ATTACHMENTS
// ============================================================================

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u.svc.Selector().Selection())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sel, err := u.svc.Selector().SelectModel(r.Context(), u.svc.UserID(), req.Model)
	if err != nil {
		var nf *chaterr.NotFoundError
		if errors.As(err, &nf) {
			s.writeError(w, err)
			return
		}
		s.log.Warn("model preference not saved", "error", err)
	}
	s.writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	u.svc.Selector().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableTool(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := u.svc.Selector().EnableTool(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u.svc.Selector().Selection())
}

func (s *Server) handleDisableTool(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	u.svc.Selector().DisableTool(r.PathValue("name"))
	s.writeJSON(w, http.StatusOK, u.svc.Selector().Selection())
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	staged := u.svc.Selector().Staged()
	out := make([]AttachmentView, len(staged))
	for i, sf := range staged {
		out[i] = attachmentView(sf)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxAttachmentBodySize)
	var req AttachmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, bodyError(err))
		return
	}
	f := files.File{Name: req.Name, MediaType: req.MediaType, Data: req.Data}
	if f.MediaType == "" {
		f.MediaType = files.DetectMediaType(f.Name, f.Data)
	}
	sf, err := u.svc.Selector().Stage(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, attachmentView(sf))
}

func (s *Server) handleUnstage(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	url := r.PathValue("url")
	if !u.svc.Selector().Unstage(url) {
		s.writeError(w, chaterr.NotFound("attachment", url))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func attachmentView(sf router.StagedFile) AttachmentView {
	return AttachmentView{
		URL:       sf.Preview.URL,
		Filename:  sf.File.Name,
		MediaType: sf.File.MediaType,
		Size:      sf.File.Size(),
	}
}

// ============================================================================
// EVENT STREAMS
// ============================================================================

// handleSessionStream streams snapshots of one session. The stream ends
// after the first snapshot with no response in flight unless follow=true.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	snaps, cancel, err := u.svc.Subscribe(r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	flusher, ok := s.startSSE(w)
	if !ok {
		return
	}
	s.openStreams.Add(1)
	defer s.openStreams.Add(-1)
	follow := r.URL.Query().Get("follow") == "true"

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := writeEvent(w, "snapshot", snap.Seq, viewOf(snap)); err != nil {
				return
			}
			flusher.Flush()
			if !follow && !snap.Phase.Active() {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

// handleEvents streams the user's service events: created, branched,
// title-updated and rate-limited.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	u, err := s.userOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, cancel := u.hub.subscribe()
	defer cancel()

	flusher, ok := s.startSSE(w)
	if !ok {
		return
	}
	s.openStreams.Add(1)
	defer s.openStreams.Add(-1)
	// Tell the client it is attached before the first event arrives.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			seq++
			if err := writeEvent(w, string(ev.Type), seq, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// startSSE writes the event stream headers.
func (s *Server) startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming not supported"))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return flusher, true
}

// writeEvent writes one SSE frame.
func writeEvent(w io.Writer, name string, id uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, name, data)
	return err
}

// hub fans one service's events out to every connected client. Slow
// clients miss events rather than block the service.
type hub struct {
	mu   sync.Mutex
	subs map[chan chat.Event]struct{}
	done bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan chat.Event]struct{})}
}

func (h *hub) run(events <-chan chat.Event) {
	for ev := range events {
		h.mu.Lock()
		for ch := range h.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		h.mu.Unlock()
	}
	h.mu.Lock()
	h.done = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
	h.mu.Unlock()
}

func (h *hub) subscribe() (<-chan chat.Event, func()) {
	ch := make(chan chat.Event, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(net.Listener) context.Context { return s.streams },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: event streams stay open.
		IdleTimeout: 120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("server started", "addr", ln.Addr().String(), "version", Version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open event streams, stops accepting requests, then closes
// every user's service, stopping in-flight responses and pushing unsynced
// messages.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	s.mu.Lock()
	srv := s.server
	s.closed = true
	users := s.users
	s.users = make(map[string]*userState)
	s.mu.Unlock()

	s.cancelStream()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for id, u := range users {
		if err := u.svc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// HELPERS
// ============================================================================

// readJSON decodes a bounded JSON body.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return chaterr.Validation("body", "request body exceeds %d bytes", tooLarge.Limit)
	}
	return chaterr.Validation("body", "invalid request format")
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return chaterr.Validation("content", "message is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return chaterr.Validation("content", "message exceeds %d characters", MaxContentLength)
	}
	return nil
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", "error", err)
	}
}

// writeError maps an engine error onto an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := statusOf(err)
	if status >= 500 {
		s.log.Error("request failed", "error", err)
	}
	writeErrorStatus(w, status, kind, err.Error())
}

func statusOf(err error) (int, string) {
	if errors.Is(err, chat.ErrServiceClosed) {
		return http.StatusServiceUnavailable, "unavailable"
	}
	var (
		ve *chaterr.ValidationError
		nf *chaterr.NotFoundError
		rl *chaterr.RateLimitError
		ne *chaterr.NetworkError
		pe *chaterr.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, string(chaterr.KindValidation)
	case errors.As(err, &nf):
		return http.StatusNotFound, string(chaterr.KindNotFound)
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, string(chaterr.KindRateLimit)
	case errors.As(err, &ne), errors.As(err, &pe):
		return http.StatusBadGateway, string(chaterr.KindOf(err))
	}
	return http.StatusInternalServerError, "internal"
}

func writeErrorStatus(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	})
}
