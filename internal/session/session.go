// Package session gives every dashboard visitor an independent device
// registry. Sessions are never shared: two browsers see two registries.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/building_energy/internal/events"
	"github.com/tphummel/building_energy/internal/registry"
)

// Session is one operator's view of the building.
type Session struct {
	ID        string
	Registry  *registry.Registry
	Events    *events.Hub
	CreatedAt time.Time

	lastSeen time.Time
}

// Manager creates, looks up and expires sessions.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	newRegistry func() *registry.Registry
	newHub      func() *events.Hub
	idleTimeout time.Duration
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHubFactory overrides how each session's event hub is built.
func WithHubFactory(f func() *events.Hub) Option {
	return func(m *Manager) { m.newHub = f }
}

// NewManager returns a manager that seeds each new session with
// newRegistry and expires sessions idle for longer than idleTimeout.
func NewManager(newRegistry func() *registry.Registry, idleTimeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		newRegistry: newRegistry,
		newHub:      func() *events.Hub { return events.NewHub(nil) },
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new session with a freshly generated registry.
func (m *Manager) Create() *Session {
	now := m.now()
	s := &Session{
		ID:        uuid.New().String(),
		Registry:  m.newRegistry(),
		Events:    m.newHub(),
		CreatedAt: now,
		lastSeen:  now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Lookup returns the live session with the given id and marks it as seen.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	now := m.now()
	if now.Sub(s.lastSeen) > m.idleTimeout {
		return nil, false
	}
	s.lastSeen = now
	return s, true
}

// Sweep removes sessions idle for longer than the idle timeout, closes their
// event hubs and returns their ids.
func (m *Manager) Sweep() []string {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.lastSeen) > m.idleTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		s.Events.Close()
		ids = append(ids, s.ID)
	}
	return ids
}

// Len returns the number of sessions held, including idle ones not yet
// swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok
}
