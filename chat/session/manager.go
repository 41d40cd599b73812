package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/wricardo/chat-relay/chat/broker"
	"github.com/wricardo/chat-relay/chat/presence"
	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/store"
)

// DefaultHistoryLimit is the number of messages replayed on join.
const DefaultHistoryLimit = 30

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryLimit sets how many messages are replayed on join.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.deps.historyLimit = n
		}
	}
}

// WithLogger sets the logger used by the manager and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager handles the lifecycle of live sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	deps   *deps
	logger *slog.Logger
}

// NewManager creates a session manager over the shared broker, presence
// registry and message store.
func NewManager(b broker.Broker, p presence.Registry, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		deps: &deps{
			broker:       b,
			presence:     p,
			store:        st,
			locks:        newRoomLocks(),
			historyLimit: DefaultHistoryLimit,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Connect registers a new connection and returns its session. It has no
// broker or presence side effects.
func (m *Manager) Connect(peer Peer) *Session {
	s := newSession(uuid.NewString(), peer, m.deps, m.logger)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.logger.Debug("connected")
	return s
}

// Get retrieves a live session by connection id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleFrame decodes and applies one raw client frame. Frames that cannot be
// decoded are dropped. A non-nil error means the connection must be closed.
func (m *Manager) HandleFrame(ctx context.Context, id string, raw []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	in, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType) {
			s.logger.Debug("dropping frame", "error", err)
			return nil
		}
		return err
	}
	return s.Handle(ctx, in)
}

// Disconnect removes the session and unwinds its rooms.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	err := s.Disconnect(ctx)
	if err != nil {
		s.logger.Warn("disconnect cleanup incomplete", "error", err)
	}
	s.logger.Debug("disconnected")
	return err
}

// Shutdown disconnects every live session and closes its connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := lo.Values(m.sessions)
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
		_ = s.peer.Close()
	}
	m.logger.Info("sessions closed", "count", len(sessions))
	return errors.Join(errs...)
}
