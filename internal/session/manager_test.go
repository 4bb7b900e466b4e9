// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"testing"
	"time"

	"github.com/jeranaias/prepchat/internal/stream"
)

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestDefaultManagerConfig(t *testing.T) {
	cfg := DefaultManagerConfig()
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("Default IdleTimeout = %v, want 30m", cfg.IdleTimeout)
	}

	m := NewManager(Config{}, ManagerConfig{})
	if m.idleTimeout != 30*time.Minute {
		t.Errorf("zero IdleTimeout should fall back to default, got %v", m.idleTimeout)
	}
}

// =============================================================================
// REGISTRATION TESTS
// =============================================================================

func TestManager_DraftBecomesReachableByID(t *testing.T) {
	var created []string
	m := NewManager(Config{
		Transport: stream.NewReplay(stream.TextDelta("hi"), stream.Done()),
		Gateway:   newStore(t),
		Hooks: Hooks{OnCreated: func(_, id string) {
			created = append(created, id)
		}},
	}, DefaultManagerConfig())

	ctrl := m.New()
	draft := ctrl.Key()
	send(t, ctrl, "hello")
	ctrl.Wait()

	id := ctrl.ConversationID()
	if id == "" {
		t.Fatal("conversation was not created")
	}
	if got, ok := m.Get(id); !ok || got != ctrl {
		t.Error("Get(conversation id) should return the draft's controller")
	}
	if got, ok := m.Get(draft); !ok || got != ctrl {
		t.Error("draft key should stay valid")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
	if len(created) != 1 || created[0] != id {
		t.Errorf("OnCreated calls = %v", created)
	}
}

func TestManager_LoadReusesController(t *testing.T) {
	store := newStore(t)
	conv, _ := store.Create(context.Background(), "u", "t", nil)
	m := NewManager(Config{Transport: stream.NewReplay(), Gateway: store}, DefaultManagerConfig())

	a := m.Load(conv)
	b := m.Load(conv)
	if a != b {
		t.Error("Load should return the registered controller")
	}
}

func TestManager_RemoveStopsActiveSession(t *testing.T) {
	pt := newPipeTransport()
	m := NewManager(Config{Transport: pt, Gateway: newStore(t)}, DefaultManagerConfig())
	ctrl := m.New()
	send(t, ctrl, "q")

	if err := m.Remove(context.Background(), ctrl.Key()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if ctrl.Phase() != PhaseCancelled {
		t.Errorf("Phase() = %s, want cancelled", ctrl.Phase())
	}
	if _, ok := m.Get(ctrl.Key()); ok {
		t.Error("removed controller still registered")
	}
	if m.Has(ctrl) {
		t.Error("Has() = true after Remove")
	}
	if err := m.Remove(context.Background(), "missing"); err != nil {
		t.Errorf("Remove(missing) error = %v", err)
	}
}

func TestManager_StopAll(t *testing.T) {
	store := newStore(t)
	m := NewManager(Config{Gateway: store}, DefaultManagerConfig())

	var ctrls []*Controller
	for i := 0; i < 3; i++ {
		ctrl := m.New()
		ctrl.cfg.Transport = newPipeTransport()
		send(t, ctrl, "q")
		ctrls = append(ctrls, ctrl)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	for i, ctrl := range ctrls {
		if ctrl.Phase().Active() {
			t.Errorf("controller %d still active", i)
		}
	}
	if m.Len() != 3 {
		t.Errorf("StopAll should keep controllers registered, Len() = %d", m.Len())
	}
}

func TestManager_SweepEvictsIdle(t *testing.T) {
	m := NewManager(Config{Transport: stream.NewReplay(), Gateway: newStore(t)}, ManagerConfig{IdleTimeout: time.Minute})

	idle := m.New()
	busy := m.New()
	pt := newPipeTransport()
	busy.cfg.Transport = pt
	send(t, busy, "still streaming")

	evicted := m.Sweep(context.Background(), time.Now().Add(2*time.Minute))
	if len(evicted) != 1 || evicted[0] != idle.Key() {
		t.Errorf("Sweep() = %v, want [%s]", evicted, idle.Key())
	}
	if _, ok := m.Get(busy.Key()); !ok {
		t.Error("active controller must not be evicted")
	}

	if evicted := m.Sweep(context.Background(), time.Now()); len(evicted) != 0 {
		t.Errorf("recently used controllers evicted: %v", evicted)
	}
	busy.Stop()
}

func TestManager_RebindAfterSwitch(t *testing.T) {
	store := newStore(t)
	conv, _ := store.Create(context.Background(), "u", "other", nil)
	m := NewManager(Config{Transport: stream.NewReplay(), Gateway: store}, DefaultManagerConfig())

	ctrl := m.New()
	draft := ctrl.Key()
	ctrl.Switch(context.Background(), conv)
	m.Rebind(ctrl)

	if _, ok := m.Get(draft); ok {
		t.Error("old key should be dropped")
	}
	if got, ok := m.Get(conv.ID); !ok || got != ctrl {
		t.Error("controller should be registered under the new conversation id")
	}
}

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestManager_GetStatus(t *testing.T) {
	m := NewManager(Config{Transport: stream.NewReplay(), Gateway: newStore(t)}, DefaultManagerConfig())
	m.New()
	m.New()

	status := m.GetStatus()
	if len(status) != 2 {
		t.Fatalf("GetStatus() returned %d entries, want 2", len(status))
	}
	if status[0].Key > status[1].Key {
		t.Error("status should be ordered by key")
	}
	for _, s := range status {
		if s.Phase != PhaseIdle || s.ConversationID != "" {
			t.Errorf("status = %+v", s)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{59 * time.Second, "59s"},
		{time.Minute, "1m"},
		{90 * time.Second, "1m 30s"},
		{15 * time.Minute, "15m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
