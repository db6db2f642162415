package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

// Revoker is implemented by arbiters that let a client ask for its own
// resource to be stopped, used when a session closes while owning it.
type Revoker interface {
	Revoke(ctx context.Context, r models.ResourceID, force bool) error
}

// SessionInfo describes a session.
type SessionInfo struct {
	ID       string            `json:"id" yaml:"id"`
	VM       models.VMID       `json:"vm" yaml:"vm"`
	Resource models.ResourceID `json:"resource" yaml:"resource"`
	Handle   models.Handle     `json:"handle" yaml:"handle"`
	Granted  bool              `json:"granted" yaml:"granted"`
	Grants   int               `json:"grants" yaml:"grants"`
	Stops    int               `json:"stops" yaml:"stops"`
	Losts    int               `json:"losts" yaml:"losts"`
	// RequestAgainPending is set while a delayed re-request is scheduled.
	RequestAgainPending bool `json:"request_again_pending" yaml:"request_again_pending"`
}

// Session is the emulated GPU driver of one VM. It implements
// ports.VMCallbacks; callbacks are invoked by the arbiter and answered
// synchronously.
type Session struct {
	id       uuid.UUID
	vm       models.VMID
	resource models.ResourceID
	arb      ports.ArbiterService
	mgr      *Manager
	logger   *logrus.Entry

	mu      sync.Mutex
	handle  models.Handle
	granted bool
	closed  bool
	grantCh chan struct{}
	again   *time.Timer
	grants  int
	stops   int
	losts   int
}

var _ ports.VMCallbacks = (*Session)(nil)

func newSession(m *Manager, vm models.VMID, resource models.ResourceID) *Session {
	id := uuid.New()

	return &Session{
		id:       id,
		vm:       vm,
		resource: resource,
		arb:      m.arb,
		mgr:      m,
		logger:   m.logger.WithFields(logrus.Fields{"session": id.String(), "vm": vm}),
		grantCh:  make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Handle returns the arbiter handle, or models.InvalidHandle before Start.
func (s *Session) Handle() models.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handle
}

// Granted reports whether the session currently holds the GPU.
func (s *Session) Granted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.granted
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:                  s.id.String(),
		VM:                  s.vm,
		Resource:            s.resource,
		Handle:              s.handle,
		Granted:             s.granted,
		Grants:              s.grants,
		Stops:               s.stops,
		Losts:               s.losts,
		RequestAgainPending: s.again != nil,
	}
}

// start registers with the arbiter, retrying while it is out of VM records,
// then requests the GPU and waits for the first grant.
func (s *Session) start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.mgr.cfg.RegisterTimeout

	var handle models.Handle
	op := func() error {
		h, err := s.arb.RegisterVM(ports.VMDescriptor{
			ID:        s.vm,
			Resource:  s.resource,
			Version:   models.ProtocolVersion,
			Callbacks: s,
		})
		if stderrors.Is(err, errors.ErrOutOfResources) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		handle = h

		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("registering vm %d: %w", s.vm, err)
	}

	s.mu.Lock()
	s.handle = handle
	grantCh := s.grantCh
	s.mu.Unlock()

	s.logger.WithField("handle", handle).Debug("session registered")

	s.arb.GPURequest(handle)

	return s.waitGranted(ctx, grantCh)
}

func (s *Session) waitGranted(ctx context.Context, grantCh <-chan struct{}) error {
	timer := time.NewTimer(s.mgr.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-grantCh:
		return nil
	case <-ctx.Done():
		s.abandon()
		return ctx.Err()
	case <-timer.C:
	}

	err := s.arb.UnregisterVM(s.Handle())
	if stderrors.Is(err, errors.ErrStillOwner) {
		// The grant raced the timeout and is being delivered.
		select {
		case <-grantCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.logger.Warn("gpu not granted in time")

	return errors.ErrGrantTimeout
}

// abandon drops a registration that never got the GPU.
func (s *Session) abandon() {
	if err := s.arb.UnregisterVM(s.Handle()); err != nil {
		s.logger.WithError(err).Debug("unregister after cancelled start")
	}
}

// GPUGranted implements ports.VMCallbacks. The emulated driver has no work,
// so it reports idle straight away.
func (s *Session) GPUGranted(freq uint32) error {
	s.mu.Lock()
	s.granted = true
	s.grants++
	close(s.grantCh)
	s.grantCh = make(chan struct{})
	handle := s.handle
	s.mu.Unlock()

	s.logger.WithField("freq", freq).Debug("gpu granted")
	s.arb.GPUIdle(handle)

	return nil
}

// GPUStop implements ports.VMCallbacks. The session stops at once and asks
// for the GPU again after the manager's request-again timeout.
func (s *Session) GPUStop() error {
	s.mu.Lock()
	s.granted = false
	s.stops++
	handle := s.handle
	closed := s.closed
	s.mu.Unlock()

	s.arb.GPUStopped(handle, false)

	if !closed {
		s.scheduleRequestAgain(s.mgr.RequestAgainTimeout())
	}

	return nil
}

// GPULost implements ports.VMCallbacks. Outstanding work is dropped and the
// GPU is requested again immediately.
func (s *Session) GPULost() error {
	s.mu.Lock()
	s.granted = false
	s.losts++
	handle := s.handle
	closed := s.closed
	s.mu.Unlock()

	s.logger.Warn("gpu lost")

	if !closed {
		s.arb.GPURequest(handle)
	}

	return nil
}

// SetActive reports GPU activity while granted.
func (s *Session) SetActive(active bool) {
	s.mu.Lock()
	granted, handle := s.granted, s.handle
	s.mu.Unlock()

	if !granted {
		return
	}

	if active {
		s.arb.GPUActive(handle)
	} else {
		s.arb.GPUIdle(handle)
	}
}

func (s *Session) scheduleRequestAgain(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelRequestAgainLocked()

	if d <= 0 || s.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.again != t || s.closed {
			s.mu.Unlock()
			return
		}
		s.again = nil
		handle := s.handle
		s.mu.Unlock()

		s.arb.GPURequest(handle)
	})
	s.again = t
}

// reschedule moves a pending re-request to the new timeout. Nothing happens
// if no re-request is pending.
func (s *Session) reschedule(d time.Duration) {
	s.mu.Lock()
	pending := s.again != nil
	s.mu.Unlock()

	if pending {
		s.scheduleRequestAgain(d)
	}
}

func (s *Session) cancelRequestAgainLocked() {
	if s.again != nil {
		s.again.Stop()
		s.again = nil
	}
}

// close unregisters the session. A session that owns the GPU asks the
// arbiter to stop it first when the arbiter allows that.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancelRequestAgainLocked()
	handle := s.handle
	s.mu.Unlock()

	if handle == models.InvalidHandle {
		return nil
	}

	revoked := false
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.mgr.cfg.RegisterTimeout

	op := func() error {
		err := s.arb.UnregisterVM(handle)
		if err == nil || stderrors.Is(err, errors.ErrUnknownHandle) {
			return nil
		}
		if !stderrors.Is(err, errors.ErrStillOwner) {
			return backoff.Permanent(err)
		}

		if r, ok := s.arb.(Revoker); ok && !revoked {
			if rerr := r.Revoke(ctx, s.resource, false); rerr != nil {
				return backoff.Permanent(rerr)
			}
			revoked = true
		}

		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("closing session %s: %w", s.id, err)
	}

	s.logger.Debug("session closed")

	return nil
}
