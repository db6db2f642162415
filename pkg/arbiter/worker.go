package arbiter

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/ledger"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
	"vistara-arbiter/pkg/registry"
	"vistara-arbiter/pkg/scheduler"
)

var (
	errNotRequested = stderrors.New("vm is no longer requesting")
	errNotGranted   = stderrors.New("vm is not granted")
	errNotOwner     = stderrors.New("vm does not own the resource")
)

type job struct {
	fn   func(ctx context.Context) error
	done chan error
}

// retirement is an ownership that ended while its resource could not be
// unbound. The owner keeps its ledger entry until a retry succeeds.
type retirement struct {
	handle models.Handle
	vm     models.VMID
	gen    models.Generation
}

// worker drives one resource. Fields below queue are only touched by the
// worker goroutine.
type worker struct {
	a      *Arbiter
	id     models.ResourceID
	label  string
	logger *logrus.Entry
	queue  *scheduler.Queue
	kick   chan struct{}
	due    chan struct{}
	jobs   chan job

	owner      models.Handle
	timer      *time.Timer
	retire     *retirement
	retry      *backoff.ExponentialBackOff
	retryTimer *time.Timer
}

func newWorker(a *Arbiter, id models.ResourceID) *worker {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = a.cfg.UnbindRetry
	retry.MaxInterval = maxUnbindRetry
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &worker{
		a:      a,
		id:     id,
		label:  fmt.Sprintf("%d", uint32(id)),
		logger: a.logger.WithField("resource", id),
		queue:  scheduler.NewQueue(),
		kick:   make(chan struct{}, 1),
		due:    make(chan struct{}, 1),
		jobs:   make(chan job),
		retry:  retry,
	}
}

// poke wakes the worker without blocking.
func (w *worker) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.disarm()
	defer w.stopRetry()

	for {
		w.advance(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		case <-w.due:
			_ = w.retryUnbind(ctx)
		case j := <-w.jobs:
			j.done <- j.fn(ctx)
		}
	}
}

// submit runs fn on the worker goroutine and waits for its result.
func (w *worker) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	stopped, err := w.a.runDone()
	if err != nil {
		return err
	}

	j := job{fn: fn, done: make(chan error, 1)}

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return errors.ErrNotRunning
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return errors.ErrNotRunning
	}
}

// advance makes progress until the resource waits on a VM or on a new event.
func (w *worker) advance(ctx context.Context) {
	for ctx.Err() == nil && w.step(ctx) {
	}

	w.a.metrics.queueDepth.WithLabelValues(w.label).Set(float64(w.queue.Len()))
	w.a.metrics.owned.Set(float64(w.a.ledger.OwnedCount()))
}

func (w *worker) step(ctx context.Context) bool {
	if w.owner != models.InvalidHandle {
		return w.tendOwner(ctx)
	}

	return w.grantNext(ctx)
}

func (w *worker) tendOwner(ctx context.Context) bool {
	if w.retire != nil {
		return false
	}

	rec, err := w.a.registry.Get(w.owner)
	if err != nil {
		w.a.fatal(errors.NewInvariantViolation("%s owned by unregistered %s", w.id, w.owner))
	}

	switch {
	case rec.State == models.Stopped:
		_ = w.finishStop(ctx, rec)
		return true
	case rec.State.Granted():
		return w.considerPreempt(ctx, rec)
	case rec.State == models.Stopping:
		return false
	default:
		w.a.fatal(errors.NewInvariantViolation("%s owned by %s in state %s", w.id, w.owner, rec.State))
		return false
	}
}

func (w *worker) considerPreempt(ctx context.Context, rec registry.Record) bool {
	waiting := w.queue.Len()
	if waiting == 0 {
		w.disarm()
		return false
	}

	preempt, after := w.a.policy.ShouldPreempt(ports.OwnerInfo{
		Handle:   rec.Handle,
		VM:       rec.Desc.ID,
		Activity: rec.Activity,
		HeldFor:  w.a.now().Sub(rec.GrantedAt),
	}, waiting)

	if preempt {
		return w.stop(ctx, rec.Handle)
	}

	if after > 0 {
		w.arm(after)
	}

	return false
}

func (w *worker) grantNext(ctx context.Context) bool {
	if !w.a.assign.Registered(w.id) {
		return false
	}

	entries := w.queue.Entries()
	if len(entries) == 0 {
		return false
	}

	now := w.a.now()
	candidates := make([]ports.Candidate, 0, len(entries))
	for _, e := range entries {
		rec, err := w.a.registry.Get(e.Handle)
		if err != nil || rec.State != models.Requested {
			w.queue.Remove(e.Handle)
			continue
		}

		candidates = append(candidates, ports.Candidate{
			Handle:   rec.Handle,
			VM:       rec.Desc.ID,
			Activity: rec.Activity,
			Waiting:  now.Sub(e.Enqueued),
		})
	}

	h, ok := w.a.policy.Next(candidates)
	if !ok || !w.queue.Remove(h) {
		return false
	}

	w.grant(ctx, h)

	return true
}

func (w *worker) grant(ctx context.Context, h models.Handle) {
	rec, err := w.a.registry.Update(h, func(rec *registry.Record) error {
		if rec.State != models.Requested {
			return errNotRequested
		}
		rec.Granting = true

		return nil
	})
	if err != nil {
		w.logger.WithField("handle", h).WithError(err).Debug("skipping grant")
		return
	}

	logger := w.logger.WithFields(logrus.Fields{"handle": h, "vm": rec.Desc.ID})

	gen, err := w.a.coord.Grant(ctx, w.id, rec.Desc.ID, func() (models.Generation, error) {
		return w.commit(h)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrInvariant) {
			w.a.fatal(err)
		}

		// The request is dropped; the VM has to ask again.
		_, _ = w.a.registry.Update(h, func(rec *registry.Record) error {
			rec.Granting = false
			if rec.State == models.Requested {
				rec.State = models.IdleUnrequested
			}

			return nil
		})
		w.a.fault(Fault{Resource: w.id, Handle: h, VM: rec.Desc.ID, Err: err})

		return
	}

	w.owner = h
	w.a.metrics.grants.WithLabelValues(w.label).Inc()
	logger.WithField("generation", gen).Info("gpu granted")

	if err := rec.Desc.Callbacks.GPUGranted(w.a.cfg.Freq); err != nil {
		w.callbackFailed(ctx, rec, "gpu_granted", err)
	}
}

// commit records h as owner in the ledger and moves it to GRANTED_IDLE in one
// registry update.
func (w *worker) commit(h models.Handle) (models.Generation, error) {
	var gen models.Generation

	_, err := w.a.registry.Update(h, func(rec *registry.Record) error {
		if rec.State != models.Requested {
			return errNotRequested
		}

		g, err := w.a.ledger.TryAcquire(w.id, rec.Desc.ID, h)
		if err != nil {
			return err
		}
		if !g.Granted {
			return errors.NewInvariantViolation("%s held by %s while its worker saw it free", w.id, g.Owner.Handle)
		}

		rec.State = models.GrantedIdle
		rec.Activity = models.ActivityIdle
		rec.Granting = false
		rec.Pending = false
		rec.RequestAgain = false
		rec.Revoked = false
		rec.Generation = g.Generation
		rec.GrantedAt = w.a.now()
		gen = g.Generation

		return nil
	})

	return gen, err
}

// stop asks the owner to give the resource back.
func (w *worker) stop(ctx context.Context, h models.Handle) bool {
	rec, err := w.a.registry.Update(h, func(rec *registry.Record) error {
		if !rec.State.Granted() {
			return errNotGranted
		}
		rec.State = models.Stopping

		return nil
	})
	if err != nil {
		return false
	}

	w.disarm()
	w.a.metrics.stops.WithLabelValues(w.label).Inc()
	w.logger.WithFields(logrus.Fields{"handle": h, "vm": rec.Desc.ID}).Debug("stopping owner")

	if err := rec.Desc.Callbacks.GPUStop(); err != nil {
		w.callbackFailed(ctx, rec, "gpu_stop", err)
	}

	return true
}

// finishStop releases the resource of an owner that acknowledged gpu_stop.
func (w *worker) finishStop(ctx context.Context, rec registry.Record) error {
	return w.revoke(ctx, rec.Handle, rec.Desc.ID, rec.Generation)
}

// forceLost revokes the resource from h without waiting for the VM. The
// ledger generation moves on before the VM is told, so anything the VM sends
// for its old grant is stale from then on.
func (w *worker) forceLost(ctx context.Context, h models.Handle, notify bool) error {
	var (
		gen  models.Generation
		prev models.VMState
	)

	rec, err := w.a.registry.Update(h, func(rec *registry.Record) error {
		if !rec.State.HoldsResource() || rec.Lost {
			return errNotOwner
		}

		prev = rec.State
		if rec.State == models.Stopped {
			return nil
		}

		next, res, err := w.a.ledger.Invalidate(w.id, h, rec.Generation)
		if err != nil {
			return err
		}
		if res == ledger.Stale {
			return errors.NewInvariantViolation("%s owner %s holds stale generation %d", w.id, h, rec.Generation)
		}

		gen = next
		rec.State = models.Stopping
		rec.Lost = true
		rec.Revoked = true

		return nil
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrInvariant) {
			w.a.fatal(err)
		}

		return err
	}

	if prev == models.Stopped {
		return w.finishStop(ctx, rec)
	}

	w.disarm()
	w.a.metrics.losts.WithLabelValues(w.label).Inc()

	logger := w.logger.WithFields(logrus.Fields{"handle": h, "vm": rec.Desc.ID, "generation": gen})
	logger.Warn("revoking gpu")

	if notify {
		if err := rec.Desc.Callbacks.GPULost(); err != nil {
			w.a.fault(Fault{Resource: w.id, Handle: h, VM: rec.Desc.ID, Err: &errors.CallbackError{Callback: "gpu_lost", Err: err}})
		}
	}

	return w.revoke(ctx, h, rec.Desc.ID, gen)
}

// revoke unbinds the resource and releases the ledger entry of h at gen.
// When the unbind fails h stays the owner, in STOPPING or STOPPED, and the
// unbind is retried with backoff until it succeeds.
func (w *worker) revoke(ctx context.Context, h models.Handle, vm models.VMID, gen models.Generation) error {
	logger := w.logger.WithFields(logrus.Fields{"handle": h, "vm": vm})

	released, err := w.a.coord.Revoke(ctx, w.id, func() error {
		return w.release(h, gen)
	})
	if !released {
		w.retire = &retirement{handle: h, vm: vm, gen: gen}
		wait := w.retry.NextBackOff()
		w.armRetry(wait)

		logger.WithField("retry_in", wait).Warn("gpu still bound, retrying unbind")
		w.a.fault(Fault{Resource: w.id, Handle: h, VM: vm, Err: err})

		return err
	}

	w.retire = nil
	w.retry.Reset()
	w.stopRetry()
	w.owner = models.InvalidHandle
	w.settle(h)

	if err != nil {
		if stderrors.Is(err, errors.ErrInvariant) {
			w.a.fatal(err)
		}
		w.a.fault(Fault{Resource: w.id, Handle: h, VM: vm, Err: err})

		return err
	}

	logger.Debug("gpu released")

	return nil
}

// retryUnbind retries a revoke whose unbind failed. It is a no-op when none
// is outstanding.
func (w *worker) retryUnbind(ctx context.Context) error {
	if w.retire == nil {
		return nil
	}

	return w.revoke(ctx, w.retire.handle, w.retire.vm, w.retire.gen)
}

func (w *worker) callbackFailed(ctx context.Context, rec registry.Record, callback string, err error) {
	w.a.fault(Fault{
		Resource: w.id,
		Handle:   rec.Handle,
		VM:       rec.Desc.ID,
		Err:      &errors.CallbackError{Callback: callback, Err: err},
	})

	if err := w.forceLost(ctx, rec.Handle, false); err != nil && !stderrors.Is(err, errNotOwner) {
		w.logger.WithField("handle", rec.Handle).WithError(err).Error("revoking unreachable vm")
	}
}

func (w *worker) release(h models.Handle, gen models.Generation) error {
	res, err := w.a.ledger.Release(w.id, h, gen)
	if err != nil {
		return err
	}

	if res == ledger.Stale {
		return errors.NewInvariantViolation("release of %s by owner %s at generation %d was stale", w.id, h, gen)
	}

	return nil
}

// settle moves a VM whose ownership ended back to REQUESTED or
// IDLE_UNREQUESTED.
func (w *worker) settle(h models.Handle) {
	rec, err := w.a.registry.Update(h, func(rec *registry.Record) error {
		again := rec.Pending || (rec.State == models.Stopped && rec.RequestAgain)

		rec.Lost = false
		rec.Pending = false
		rec.RequestAgain = false
		rec.Activity = models.ActivityIdle

		if again {
			rec.State = models.Requested
			rec.RequestedAt = w.a.now()
			w.queue.Push(h, rec.RequestedAt)
		} else {
			rec.State = models.IdleUnrequested
		}

		return nil
	})
	if err != nil {
		w.a.fatal(errors.NewInvariantViolation("settling %s: %s", h, err))
	}

	w.logger.WithFields(logrus.Fields{"handle": h, "vm": rec.Desc.ID, "state": rec.State}).Debug("vm settled")
}

func (w *worker) arm(d time.Duration) {
	w.disarm()
	w.timer = time.AfterFunc(d, w.poke)
}

func (w *worker) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *worker) armRetry(d time.Duration) {
	w.stopRetry()
	w.retryTimer = time.AfterFunc(d, func() {
		select {
		case w.due <- struct{}{}:
		default:
		}
	})
}

func (w *worker) stopRetry() {
	if w.retryTimer != nil {
		w.retryTimer.Stop()
		w.retryTimer = nil
	}
}
