// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestReplay_StreamsChunksThenEOF(t *testing.T) {
	r := NewReplay(TextDelta("Clo"), TextDelta("sures"), Done())
	s, err := r.Open(context.Background(), Request{Content: "Explain closures"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	var got []ChunkType
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		got = append(got, c.Type)
	}
	if len(got) != 3 || got[2] != ChunkDone {
		t.Errorf("chunks = %v", got)
	}
	if reqs := r.Requests(); len(reqs) != 1 || reqs[0].Content != "Explain closures" {
		t.Errorf("Requests() = %+v", reqs)
	}
}

func TestReplay_OpenError(t *testing.T) {
	r := &Replay{OpenErr: errors.New("dial tcp: refused")}
	if _, err := r.Open(context.Background(), Request{}); err == nil {
		t.Fatal("expected open error")
	}
}

func TestReplay_CloseUnblocksDelayedRecv(t *testing.T) {
	r := &Replay{Chunks: []Chunk{TextDelta("x")}, Delay: time.Hour}
	s, _ := r.Open(context.Background(), Request{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Close()
	}()

	if _, err := s.Recv(); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPipe(t *testing.T) {
	p := NewPipe()

	go func() {
		p.Send(TextDelta("a"))
		p.End()
	}()

	c, err := p.Recv()
	if err != nil || c.Text != "a" {
		t.Fatalf("Recv() = %+v, %v", c, err)
	}
	if _, err := p.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() error = %v, want EOF", err)
	}

	p.Close()
	if !p.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if p.Send(TextDelta("late")) {
		t.Error("Send() after Close should report false")
	}
}

func TestEcho(t *testing.T) {
	s, err := Echo{}.Open(context.Background(), Request{Content: "hello there"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	var text string
	var done bool
	for {
		c, err := s.Recv()
		if err != nil {
			break
		}
		switch c.Type {
		case ChunkTextDelta:
			text += c.Text
		case ChunkDone:
			done = true
		}
	}
	if text != "You said: hello there" || !done {
		t.Errorf("text = %q, done = %v", text, done)
	}
}

func TestChunk_String(t *testing.T) {
	if s := TextDelta("abc").String(); s != "text-delta(3 bytes)" {
		t.Errorf("String() = %q", s)
	}
	if s := Done().String(); s != "done" {
		t.Errorf("String() = %q", s)
	}
}
