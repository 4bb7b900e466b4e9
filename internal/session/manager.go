// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/prepchat/internal/model"
	"github.com/jeranaias/prepchat/internal/util"
)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// ManagerConfig holds configuration for the session manager.
type ManagerConfig struct {
	// IdleTimeout is how long a settled controller may go untouched before
	// Sweep evicts it (default: 30 minutes)
	IdleTimeout time.Duration
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{IdleTimeout: 30 * time.Minute}
}

// Manager keeps one controller per conversation. A draft controller is
// reachable by its draft key and, once the conversation is created, by the
// conversation id as well.
type Manager struct {
	base        Config
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ctrl         *Controller
	keys         []string
	startTime    time.Time
	lastActivity time.Time
}

// NewManager creates a manager whose controllers share base.
func NewManager(base Config, cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultManagerConfig().IdleTimeout
	}
	return &Manager{
		base:        base,
		idleTimeout: cfg.IdleTimeout,
		entries:     make(map[string]*entry),
	}
}

// New registers a controller for a new draft conversation.
func (m *Manager) New() *Controller {
	return m.register(nil)
}

// Load returns the controller for conv, creating it on first use.
func (m *Manager) Load(conv *model.Conversation) *Controller {
	m.mu.Lock()
	if e, ok := m.entries[conv.ID]; ok {
		e.lastActivity = time.Now()
		m.mu.Unlock()
		return e.ctrl
	}
	m.mu.Unlock()
	return m.register(conv)
}

func (m *Manager) register(conv *model.Conversation) *Controller {
	cfg := m.base
	userCreated := cfg.Hooks.OnCreated
	cfg.Hooks.OnCreated = func(key, conversationID string) {
		m.alias(key, conversationID)
		if userCreated != nil {
			userCreated(key, conversationID)
		}
	}
	ctrl := New(cfg, conv)

	now := time.Now()
	key := ctrl.Key()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		// Lost a race with another Load of the same conversation.
		return e.ctrl
	}
	m.entries[key] = &entry{ctrl: ctrl, keys: []string{key}, startTime: now, lastActivity: now}
	return ctrl
}

// alias makes the controller registered under key reachable as alias too.
func (m *Manager) alias(key, alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if _, taken := m.entries[alias]; taken {
		return
	}
	e.keys = append(e.keys, alias)
	m.entries[alias] = e
}

// Get returns the controller for key and records activity on it.
func (m *Manager) Get(key string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	e.lastActivity = time.Now()
	return e.ctrl, true
}

// Has reports whether ctrl is still managed. Unlike Get it does not count
// as activity.
func (m *Manager) Has(ctrl *Controller) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ctrl == ctrl {
			return true
		}
	}
	return false
}

// Rebind re-registers ctrl under its current key after a Switch, dropping
// the keys it was registered under before.
func (m *Manager) Rebind(ctrl *Controller) {
	key := ctrl.Key()
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.ctrl == ctrl {
			delete(m.entries, k)
		}
	}
	m.entries[key] = &entry{ctrl: ctrl, keys: []string{key}, startTime: now, lastActivity: now}
}

// Remove stops the controller registered under key, pushes its unsynced
// messages and forgets it.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		for _, k := range e.keys {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.ctrl.Stop()
	return e.ctrl.Reconcile(ctx)
}

// Len returns the number of managed controllers.
func (m *Manager) Len() int {
	return len(m.controllers())
}

// controllers returns each managed entry once.
func (m *Manager) controllers() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*entry]bool, len(m.entries))
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// Sweep evicts controllers that have been idle longer than the idle timeout
// and have no response in flight. It returns the evicted keys.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []string {
	var evicted []string
	for _, e := range m.controllers() {
		m.mu.Lock()
		idle := now.Sub(e.lastActivity)
		m.mu.Unlock()
		if idle < m.idleTimeout || e.ctrl.Phase().Active() {
			continue
		}
		key := e.ctrl.Key()
		if err := m.Remove(ctx, key); err != nil {
			e.ctrl.log.Warn("evicted conversation with unsynced messages", "key", key, "error", err)
		}
		evicted = append(evicted, key)
	}
	sort.Strings(evicted)
	return evicted
}

// StopAll stops every in-flight response and pushes unsynced messages.
// Controllers stay registered.
func (m *Manager) StopAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range m.controllers() {
		ctrl := e.ctrl
		g.Go(func() error {
			ctrl.Stop()
			ctrl.Wait()
			return ctrl.Reconcile(ctx)
		})
	}
	return g.Wait()
}

// =============================================================================
// SESSION STATUS
// =============================================================================

// Status describes one managed controller.
type Status struct {
	Key            string        `json:"key"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Phase          Phase         `json:"phase"`
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	IdleTime       time.Duration `json:"idle_time"`
	Unsynced       int           `json:"unsynced"`
}

// GetStatus returns the status of every managed controller, ordered by key.
func (m *Manager) GetStatus() []Status {
	now := time.Now()
	entries := m.controllers()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		snap := e.ctrl.Snapshot()
		m.mu.Lock()
		start, last := e.startTime, e.lastActivity
		m.mu.Unlock()
		out = append(out, Status{
			Key:            snap.Key,
			ConversationID: snap.ConversationID,
			Phase:          snap.Phase,
			StartTime:      start,
			Duration:       now.Sub(start),
			IdleTime:       now.Sub(last),
			Unsynced:       len(snap.Unsynced),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// FormatDuration returns a human-readable duration string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		secs := int(d.Seconds())
		return util.IntToStr(secs) + "s"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return util.IntToStr(mins) + "m"
	}
	return util.IntToStr(mins) + "m " + util.IntToStr(secs) + "s"
}
