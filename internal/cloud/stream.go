// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/stream"
	"github.com/jeranaias/prepchat/internal/tools"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxChunkSize is the maximum allowed size for a single SSE line (1MB).
// Tool results and reasoning traces can be large.
const MaxChunkSize = 1024 * 1024

// pluginIDs maps provider tool names to OpenRouter plugin ids.
var pluginIDs = map[string]string{
	"web-search":       "web",
	"code-interpreter": "code-interpreter",
}

// =============================================================================
// STREAMING WIRE TYPES
// =============================================================================

// streamChunk is one parsed SSE data payload from OpenRouter.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			Reasoning string          `json:"reasoning"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
			Images    []struct {
				ImageURL ImageURL `json:"image_url"`
			} `json:"images"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage    `json:"usage"`
	Error *apiError `json:"error"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxChunkSize)
	return &SSEReader{scanner: sc}
}

// ReadEvent reads the next SSE event from the stream and returns its type
// and data. Multiple data lines are joined with a newline. Comments and other
// fields are ignored. It returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimPrefix(line[5:], []byte(" "))
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", nil, err
	}
	if len(dataLines) > 0 {
		return eventType, bytes.Join(dataLines, []byte("\n")), nil
	}
	return "", nil, io.EOF
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Open starts a streaming completion. It implements stream.Transport.
// Failures before the first byte are returned classified; the stream itself
// is never retried.
func (c *OpenRouterClient) Open(ctx context.Context, req stream.Request) (stream.Stream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	reqBody := ChatRequest{
		Model:    modelID,
		Messages: toChatMessages(req.History),
		Stream:   true,
		Usage:    &UsageOptions{Include: true},
	}
	if req.Reasoning {
		reqBody.Reasoning = &ReasoningOptions{Exclude: false}
	}
	for _, name := range req.Tools {
		if id, ok := pluginIDs[name]; ok {
			reqBody.Plugins = append(reqBody.Plugins, Plugin{ID: id})
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &chaterr.NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		err := handleErrorResponse(resp.StatusCode, resp.Header, body)
		c.logger.Warn("stream rejected", "status", resp.StatusCode, "model", modelID, "error", err)
		return nil, err
	}

	c.logger.Debug("stream opened",
		"model", modelID,
		"conversation", req.ConversationID,
		"attachments", len(req.Attachments),
		"tools", req.Tools)

	return &sseStream{
		body:   resp.Body,
		reader: NewSSEReader(resp.Body),
		start:  start,
		tools:  make(map[int]*openTool),
		logger: c.logger,
	}, nil
}

// openTool tracks a tool call whose arguments are still streaming.
type openTool struct {
	id       string
	name     string
	complete bool
}

// sseStream decodes an OpenRouter SSE body into engine chunks. One SSE event
// can expand to several chunks; they are queued and returned in order.
type sseStream struct {
	body   io.ReadCloser
	reader *SSEReader
	logger *slog.Logger

	pending []stream.Chunk
	tools   map[int]*openTool
	done    bool

	start        time.Time
	firstChunk   time.Duration
	finishReason string

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Recv implements stream.Stream.
func (s *sseStream) Recv() (stream.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return stream.Chunk{}, io.EOF
		}
		if err := s.fill(); err != nil {
			return stream.Chunk{}, err
		}
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

// Close implements stream.Stream.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fill reads one SSE event and queues the chunks it produces.
func (s *sseStream) fill() error {
	_, data, err := s.reader.ReadEvent()
	if err != nil {
		if s.isClosed() {
			return stream.ErrClosed
		}
		if errors.Is(err, io.EOF) {
			// Body ended without [DONE]; the session decides what that means.
			s.done = true
			return io.EOF
		}
		return &chaterr.NetworkError{Err: err}
	}

	if s.firstChunk == 0 {
		s.firstChunk = time.Since(s.start)
	}

	if bytes.Equal(data, []byte("[DONE]")) {
		s.completeTools()
		s.pending = append(s.pending, stream.Done())
		s.done = true
		return nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		s.logger.Debug("skipping malformed stream chunk", "error", err, "bytes", len(data))
		return nil
	}

	if chunk.Error != nil {
		pe := &chaterr.ProviderError{Message: chunk.Error.Message, Code: chunk.Error.code()}
		s.pending = append(s.pending, stream.ErrorChunk(chaterr.Classify(pe)))
		s.done = true
		return nil
	}

	for _, choice := range chunk.Choices {
		d := choice.Delta
		if d.Reasoning != "" {
			s.pending = append(s.pending, stream.ReasoningDelta(d.Reasoning))
		}
		if d.Content != "" {
			s.pending = append(s.pending, stream.TextDelta(d.Content))
		}
		for _, tc := range d.ToolCalls {
			s.applyToolDelta(tc)
		}
		for _, img := range d.Images {
			if img.ImageURL.URL != "" {
				s.pending = append(s.pending, stream.FileChunk(model.FilePart{
					MediaType: mediaTypeOf(img.ImageURL.URL),
					URL:       img.ImageURL.URL,
				}))
			}
		}
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
			if choice.FinishReason == "tool_calls" {
				s.completeTools()
			}
		}
	}

	if chunk.Usage != nil {
		s.pending = append(s.pending, stream.MetadataChunk(model.Metadata{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
			Cost:             chunk.Usage.Cost,
			FirstChunk:       s.firstChunk,
			Latency:          time.Since(s.start),
			FinishReason:     s.finishReason,
		}))
	}
	return nil
}

// applyToolDelta maps OpenAI-style indexed tool call fragments onto tool
// lifecycle events keyed by call id.
func (s *sseStream) applyToolDelta(tc toolCallDelta) {
	t, ok := s.tools[tc.Index]
	if !ok {
		if tc.ID == "" {
			s.logger.Debug("dropping tool delta without id", "index", tc.Index)
			return
		}
		t = &openTool{id: tc.ID, name: tc.Function.Name}
		s.tools[tc.Index] = t
		s.pending = append(s.pending, stream.ToolChunk(tools.Event{
			Type:       tools.EventInputStart,
			ToolCallID: t.id,
			ToolName:   t.name,
		}))
	}
	if tc.Function.Arguments != "" && !t.complete {
		s.pending = append(s.pending, stream.ToolChunk(tools.Event{
			Type:       tools.EventInputDelta,
			ToolCallID: t.id,
			InputDelta: tc.Function.Arguments,
		}))
	}
}

// completeTools closes the argument stream of every open tool call in index order.
func (s *sseStream) completeTools() {
	indexes := make([]int, 0, len(s.tools))
	for i := range s.tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		t := s.tools[i]
		if t.complete {
			continue
		}
		t.complete = true
		s.pending = append(s.pending, stream.ToolChunk(tools.Event{
			Type:       tools.EventInputComplete,
			ToolCallID: t.id,
		}))
	}
}

// =============================================================================
// REQUEST CONVERSION
// =============================================================================

// toChatMessages converts conversation history to the wire format. Error-only
// and empty assistant turns are skipped; user files become content parts.
func toChatMessages(history []model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, msg := range history {
		text := model.GetText(msg)
		switch msg.Role {
		case model.RoleUser:
			files := model.GetFiles(msg)
			if len(files) == 0 {
				out = append(out, ChatMessage{Role: "user", Content: text})
				continue
			}
			parts := make([]ContentPart, 0, len(files)+1)
			if text != "" {
				parts = append(parts, ContentPart{Type: "text", Text: text})
			}
			for _, f := range files {
				if strings.HasPrefix(f.MediaType, "image/") {
					parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: f.URL}})
				} else {
					parts = append(parts, ContentPart{Type: "file", File: &FileData{Filename: f.Filename, FileData: f.URL}})
				}
			}
			out = append(out, ChatMessage{Role: "user", Content: parts})
		case model.RoleAssistant:
			if text == "" {
				continue
			}
			out = append(out, ChatMessage{Role: "assistant", Content: text})
		}
	}
	return out
}

// mediaTypeOf extracts the media type of a data URL, defaulting to PNG for
// provider-generated images.
func mediaTypeOf(url string) string {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if i := strings.IndexAny(rest, ";,"); i > 0 {
			return rest[:i]
		}
	}
	return "image/png"
}
