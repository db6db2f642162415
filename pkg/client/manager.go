// Package client implements the reference VM side of the arbiter protocol:
// an emulated GPU driver per VM and the process wide list of active sessions.
package client

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/defaults"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

// Config configures the sessions of a Manager.
type Config struct {
	// RequestTimeout bounds the wait for the first grant.
	RequestTimeout time.Duration
	// RequestAgainTimeout delays the re-request after a stop. Zero disables
	// requesting again.
	RequestAgainTimeout time.Duration
	// RegisterTimeout bounds registration retries and unregistration on close.
	RegisterTimeout time.Duration
}

// DefaultConfig returns the emulated driver defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      defaults.RequestTimeout,
		RequestAgainTimeout: defaults.RequestAgainTimeout,
		RegisterTimeout:     time.Second,
	}
}

// Manager owns every active session.
type Manager struct {
	arb    ports.ArbiterService
	cfg    Config
	logger *logrus.Entry

	requestAgain atomic.Int64

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a manager for sessions talking to arb.
func NewManager(arb ports.ArbiterService, cfg Config, logger *logrus.Entry) *Manager {
	m := &Manager{
		arb:      arb,
		cfg:      cfg,
		logger:   logger.WithField("component", "client"),
		sessions: make(map[uuid.UUID]*Session),
	}
	m.requestAgain.Store(int64(cfg.RequestAgainTimeout))

	return m
}

// Open registers a VM and waits until it has been granted the GPU once.
func (m *Manager) Open(ctx context.Context, vm models.VMID, resource models.ResourceID) (*Session, error) {
	s := newSession(m, vm, resource)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := s.start(ctx); err != nil {
		m.remove(s.id)
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{"session": s.id.String(), "vm": vm, "handle": s.Handle()}).Info("session opened")

	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]

	return s, ok
}

// Sessions returns a snapshot of every session ordered by VM id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VM < out[j].VM })

	return out
}

// RequestAgainTimeout returns the current request-again timeout.
func (m *Manager) RequestAgainTimeout() time.Duration {
	return time.Duration(m.requestAgain.Load())
}

// SetRequestAgainTimeout changes the request-again timeout and moves every
// pending re-request to it. Zero disables requesting again.
func (m *Manager) SetRequestAgainTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.requestAgain.Store(int64(d))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		s.reschedule(d)
	}

	m.logger.WithField("timeout", d).Info("request-again timeout changed")
}

// CloseSession closes and forgets one session.
func (m *Manager) CloseSession(ctx context.Context, id uuid.UUID) error {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}

	err := s.close(ctx)
	m.remove(id)

	return err
}

// Close closes every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.CloseSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return stderrors.Join(errs...)
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
