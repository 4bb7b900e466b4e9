// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/prepchat/internal/model"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("stream closed")

// =============================================================================
// PIPE
// =============================================================================

// Pipe is an in-memory Stream fed by its producer through Send and End.
type Pipe struct {
	ch     chan Chunk
	done   chan struct{}
	closed chan struct{}

	endOnce   sync.Once
	closeOnce sync.Once
}

// NewPipe creates an unbuffered pipe.
func NewPipe() *Pipe {
	return &Pipe{
		ch:     make(chan Chunk),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Send delivers c to the reader. It returns false once the reader closed.
func (p *Pipe) Send(c Chunk) bool {
	select {
	case p.ch <- c:
		return true
	case <-p.closed:
		return false
	}
}

// End marks the end of the body; Recv returns io.EOF after pending chunks.
func (p *Pipe) End() {
	p.endOnce.Do(func() { close(p.done) })
}

// Recv implements Stream.
func (p *Pipe) Recv() (Chunk, error) {
	select {
	case c := <-p.ch:
		return c, nil
	case <-p.done:
		return Chunk{}, io.EOF
	case <-p.closed:
		return Chunk{}, ErrClosed
	}
}

// Close implements Stream.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// IsClosed reports whether the reader closed the pipe.
func (p *Pipe) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// =============================================================================
// REPLAY TRANSPORT
// =============================================================================

// Replay is a Transport that answers every request with the same chunks.
type Replay struct {
	Chunks []Chunk

	// OpenErr, when set, is returned by Open instead of a stream
	OpenErr error

	// Delay is waited before each chunk
	Delay time.Duration

	mu       sync.Mutex
	requests []Request
}

// NewReplay creates a replay transport.
func NewReplay(chunks ...Chunk) *Replay {
	return &Replay{Chunks: chunks}
}

// Open implements Transport.
func (r *Replay) Open(ctx context.Context, req Request) (Stream, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	return &replayStream{ctx: ctx, chunks: r.Chunks, delay: r.Delay, closed: make(chan struct{})}, nil
}

// Requests returns the requests seen so far.
func (r *Replay) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

type replayStream struct {
	ctx    context.Context
	chunks []Chunk
	pos    int
	delay  time.Duration

	once   sync.Once
	closed chan struct{}
}

func (s *replayStream) Recv() (Chunk, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return Chunk{}, ErrClosed
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	}
	select {
	case <-s.closed:
		return Chunk{}, ErrClosed
	case <-s.ctx.Done():
		return Chunk{}, s.ctx.Err()
	default:
	}
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *replayStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// =============================================================================
// ECHO TRANSPORT
// =============================================================================

// Echo is an offline Transport that streams the user's own words back.
// It lets the front ends run without a provider key.
type Echo struct {
	Delay time.Duration
}

// Open implements Transport.
func (e Echo) Open(ctx context.Context, req Request) (Stream, error) {
	var chunks []Chunk
	words := strings.Fields(req.Content)
	if len(words) == 0 {
		words = []string{"(empty)"}
	}
	chunks = append(chunks, TextDelta("You said:"))
	for _, w := range words {
		chunks = append(chunks, TextDelta(" "+w))
	}
	chunks = append(chunks,
		MetadataChunk(model.Metadata{CompletionTokens: len(words) + 2, FinishReason: "stop"}),
		Done(),
	)
	return &replayStream{ctx: ctx, chunks: chunks, delay: e.Delay, closed: make(chan struct{})}, nil
}
