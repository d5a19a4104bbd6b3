// Package hooks fans lifecycle events out to shell scripts and webhooks.
// Adapted from the teacher repo's internal/rtmp/server/hooks package (event
// types, Hook interface, execution pool), narrowed to the three events this
// server's connection lifecycle actually produces: a publisher starting, a
// publisher stopping, and a connection refused. Unlike the teacher, shell
// hooks also get every event field as one string quoted with
// github.com/kballard/go-shellquote (in an environment variable), and the hook-script directory is
// watched with github.com/fsnotify/fsnotify so new or edited scripts are
// picked up without a restart.
package hooks

import (
	"context"
	"sync"
	"time"
)

// EventType names one of the lifecycle events this server can notify hooks
// about.
type EventType string

const (
	EventPublishStart       EventType = "publish_start"
	EventPublishStop        EventType = "publish_stop"
	EventConnectionRejected EventType = "connection_rejected"
)

// Event carries the data passed to a hook invocation.
type Event struct {
	Type      EventType
	Timestamp int64
	ConnID    string
	StreamKey string
	Data      map[string]string
}

// NewEvent creates an Event stamped with ts, caller-supplied so tests can
// use fixed timestamps.
func NewEvent(t EventType, ts int64) Event {
	return Event{Type: t, Timestamp: ts, Data: make(map[string]string)}
}

// Hook is anything that can react to an Event.
type Hook interface {
	Execute(ctx context.Context, event Event) error
	ID() string
}

// Config configures a Manager.
type Config struct {
	Timeout     time.Duration
	Concurrency int
}

// Manager fans events out to registered hooks with bounded concurrency.
type Manager struct {
	mu    sync.RWMutex
	hooks map[EventType][]Hook
	pool  chan struct{}
	cfg   Config
}

// NewManager creates a Manager. A zero Concurrency defaults to 10.
func NewManager(cfg Config) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Manager{
		hooks: make(map[EventType][]Hook),
		pool:  make(chan struct{}, cfg.Concurrency),
		cfg:   cfg,
	}
}

// Register adds a hook for the given event type.
func (m *Manager) Register(t EventType, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[t] = append(m.hooks[t], h)
}

// Unregister removes a previously-registered hook by ID.
func (m *Manager) Unregister(t EventType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.hooks[t]
	for i, h := range hs {
		if h.ID() == id {
			m.hooks[t] = append(hs[:i], hs[i+1:]...)
			return
		}
	}
}

// ReplaceShellHooksForEvent swaps every shell hook registered for t with a
// freshly-built set. Used by the script-directory watcher to reload without
// dropping webhook registrations.
func (m *Manager) ReplaceShellHooksForEvent(t EventType, shellHooks []Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]Hook, 0, len(m.hooks[t]))
	for _, h := range m.hooks[t] {
		if _, isShell := h.(*ShellHook); !isShell {
			kept = append(kept, h)
		}
	}
	m.hooks[t] = append(kept, shellHooks...)
}

// Trigger runs every hook registered for event.Type concurrently, bounded
// by the manager's worker pool. Errors go to onErr (dropped when onErr is
// nil); hooks are notifications, not part of the control path.
func (m *Manager) Trigger(ctx context.Context, event Event, onErr func(hookID string, err error)) {
	m.mu.RLock()
	hs := append([]Hook(nil), m.hooks[event.Type]...)
	m.mu.RUnlock()

	for _, h := range hs {
		h := h
		m.pool <- struct{}{}
		go func() {
			defer func() { <-m.pool }()
			hctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			if err := h.Execute(hctx, event); err != nil && onErr != nil {
				onErr(h.ID(), err)
			}
		}()
	}
}

// Close waits for all in-flight hook executions to drain.
func (m *Manager) Close() {
	for i := 0; i < cap(m.pool); i++ {
		m.pool <- struct{}{}
	}
}
