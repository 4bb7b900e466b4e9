// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream defines the typed chunk protocol between a model transport
// and the session controller.
//
// A Transport opens one Stream per request. Recv yields chunks in arrival
// order and returns io.EOF once the body ends. A stream that ends without a
// done chunk was cut short; the session treats that as a network error.
package stream

import (
	"context"
	"fmt"

	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/tools"
)

// =============================================================================
// CHUNK TYPES
// =============================================================================

// ChunkType identifies the payload of a Chunk.
type ChunkType string

const (
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkTool           ChunkType = "tool"
	ChunkFile           ChunkType = "file"
	ChunkMetadata       ChunkType = "metadata"
	ChunkError          ChunkType = "error"
	ChunkDone           ChunkType = "done"
)

// Chunk is one unit of a streamed response.
type Chunk struct {
	Type ChunkType

	// Text holds text-delta and reasoning-delta content
	Text string

	Tool     *tools.Event
	File     *model.FilePart
	Metadata *model.Metadata

	// Err is the provider failure carried by an error chunk
	Err error
}

// String returns a short description for logs.
func (c Chunk) String() string {
	switch c.Type {
	case ChunkTextDelta, ChunkReasoningDelta:
		return fmt.Sprintf("%s(%d bytes)", c.Type, len(c.Text))
	case ChunkTool:
		if c.Tool != nil {
			return fmt.Sprintf("tool(%s %s)", c.Tool.Type, c.Tool.ToolCallID)
		}
	case ChunkError:
		if c.Err != nil {
			return "error(" + c.Err.Error() + ")"
		}
	}
	return string(c.Type)
}

// Constructors used by transports and tests.

func TextDelta(s string) Chunk      { return Chunk{Type: ChunkTextDelta, Text: s} }
func ReasoningDelta(s string) Chunk { return Chunk{Type: ChunkReasoningDelta, Text: s} }
func ToolChunk(ev tools.Event) Chunk {
	return Chunk{Type: ChunkTool, Tool: &ev}
}
func FileChunk(f model.FilePart) Chunk       { return Chunk{Type: ChunkFile, File: &f} }
func MetadataChunk(md model.Metadata) Chunk { return Chunk{Type: ChunkMetadata, Metadata: &md} }
func ErrorChunk(err error) Chunk            { return Chunk{Type: ChunkError, Err: err} }
func Done() Chunk                           { return Chunk{Type: ChunkDone} }

// =============================================================================
// REQUEST
// =============================================================================

// Attachment is a file sent with the request as a data URL.
type Attachment struct {
	MediaType string `json:"media_type"`
	Filename  string `json:"filename,omitempty"`
	DataURL   string `json:"data_url"`
}

// FilePart converts the attachment to the part stored on the user message.
func (a Attachment) FilePart() model.FilePart {
	return model.FilePart{MediaType: a.MediaType, URL: a.DataURL, Filename: a.Filename}
}

// Request is everything a transport needs to start one response.
type Request struct {
	// ConversationID is empty for a conversation that has not been created yet
	ConversationID string

	// History is the conversation up to and including the new user message
	History []model.Message

	Content     string
	Attachments []Attachment

	Model    string
	Provider string

	// Tools lists enabled provider-native tools by name
	Tools []string

	// Reasoning asks the provider to stream its reasoning trace
	Reasoning bool
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Stream is an open response.
type Stream interface {
	// Recv blocks for the next chunk. It returns io.EOF when the body ends.
	Recv() (Chunk, error)

	// Close releases the connection. It unblocks a pending Recv and is safe
	// to call more than once.
	Close() error
}

// Transport opens response streams.
type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Stream, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, req Request) (Stream, error) {
	return f(ctx, req)
}
