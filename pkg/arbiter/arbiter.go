// Package arbiter time-multiplexes GPU resources between registered VMs.
//
// VM events are cheap: they update the VM registry and wake the worker of the
// VM's resource. Each resource has one worker goroutine that makes every
// blocking backend call and delivers every callback to the VMs, so callbacks
// may call back into the arbiter synchronously.
package arbiter

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/assign"
	"vistara-arbiter/pkg/coordinator"
	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/ledger"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
	"vistara-arbiter/pkg/ports"
	"vistara-arbiter/pkg/registry"
	"vistara-arbiter/pkg/scheduler"
)

// Fault is a backend or callback failure surfaced by the arbiter.
type Fault struct {
	Resource models.ResourceID
	Handle   models.Handle
	VM       models.VMID
	Err      error
}

// Config configures an Arbiter.
type Config struct {
	// Separation enables hardware partitions. The arbitrable resources are
	// then the partitions of Layout; otherwise the whole GPU is the only
	// resource.
	Separation bool
	Layout     partition.Layout
	MaxVMs     int
	// Timeslice and MinHold are used by the default policy.
	Timeslice time.Duration
	MinHold   time.Duration
	// Freq is passed with every grant.
	Freq uint32
	// UnbindRetry is the first delay before a failed unbind is retried. The
	// delay grows exponentially up to a minute.
	UnbindRetry time.Duration
	Logger     *logrus.Entry
	Registerer prometheus.Registerer
	// OnFault is called from the resource worker for every fault.
	OnFault func(Fault)
}

const (
	defaultUnbindRetry = 100 * time.Millisecond
	maxUnbindRetry     = time.Minute
)

// Arbiter implements ports.ArbiterService.
type Arbiter struct {
	cfg    Config
	logger *logrus.Entry
	now    func() time.Time

	registry *registry.Registry
	ledger   *ledger.Ledger
	assign   *assign.Registry
	coord    *coordinator.Coordinator
	policy   ports.Policy
	metrics  *metrics
	workers  map[models.ResourceID]*worker

	layoutMu sync.RWMutex
	layout   partition.Layout

	mu      sync.Mutex
	running bool
	done    <-chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ ports.ArbiterService = (*Arbiter)(nil)

// New creates an arbiter. Workers do not run until Start.
func New(cfg Config, p ports.Collection) (*Arbiter, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if cfg.UnbindRetry <= 0 {
		cfg.UnbindRetry = defaultUnbindRetry
	}

	resources := []models.ResourceID{assign.WholeGPU}
	if cfg.Separation {
		resources = cfg.Layout.Resources()
		if len(resources) == 0 {
			return nil, fmt.Errorf("%w: hardware separation without partitions", errors.ErrInvalidArgument)
		}
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering arbiter metrics: %w", err)
	}

	now := p.Clock
	if now == nil {
		now = time.Now
	}

	policy := p.Policy
	if policy == nil {
		policy = scheduler.FIFOPolicy{Timeslice: cfg.Timeslice, MinHold: cfg.MinHold}
	}

	assignments := assign.NewRegistry(cfg.Logger.WithField("component", "assign"), cfg.Separation)

	a := &Arbiter{
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      now,
		registry: registry.New(cfg.Logger.WithField("component", "registry"), cfg.MaxVMs, now),
		ledger:   ledger.New(resources),
		assign:   assignments,
		coord:    coordinator.New(cfg.Logger.WithField("component", "coordinator"), assignments, p.Power, p.Repartition),
		policy:   policy,
		metrics:  m,
		workers:  make(map[models.ResourceID]*worker, len(resources)),
		layout:   cfg.Layout.Clone(),
	}

	for _, r := range resources {
		a.workers[r] = newWorker(a, r)
	}

	assignments.OnChange(func(id models.ResourceID, _ bool) {
		if w, ok := a.workers[id]; ok {
			w.poke()
		}
	})

	for id, ops := range p.AssignBackends {
		if err := a.RegisterAssignInterface(id, ops); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Start launches one worker per resource. The workers stop when ctx is
// cancelled or Stop is called.
func (a *Arbiter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("%w: arbiter already started", errors.ErrInvalidArgument)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = runCtx.Done()
	a.running = true

	for _, w := range a.workers {
		a.wg.Add(1)
		go func(w *worker) {
			defer a.wg.Done()
			w.run(runCtx)
		}(w)
	}

	a.logger.WithField("resources", len(a.workers)).Info("arbiter started")

	return nil
}

// Stop stops the workers and waits for them to exit.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()

	a.logger.Info("arbiter stopped")
}

// Run starts the arbiter and blocks until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.Stop()

	return nil
}

func (a *Arbiter) runDone() (<-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil, errors.ErrNotRunning
	}

	return a.done, nil
}

func (a *Arbiter) worker(r models.ResourceID) (*worker, error) {
	w, ok := a.workers[r]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownResource, r)
	}

	return w, nil
}

// RegisterVM registers a VM. The descriptor must carry the arbiter protocol
// version.
func (a *Arbiter) RegisterVM(desc ports.VMDescriptor) (models.Handle, error) {
	if desc.Version != models.ProtocolVersion {
		a.logger.WithFields(logrus.Fields{
			"vm":      desc.ID,
			"version": desc.Version,
			"want":    models.ProtocolVersion,
		}).Error("vm protocol version mismatch")

		return models.InvalidHandle, fmt.Errorf("%w: got %d, want %d", errors.ErrVersionMismatch, desc.Version, models.ProtocolVersion)
	}

	if _, err := a.worker(desc.Resource); err != nil {
		return models.InvalidHandle, err
	}

	h, err := a.registry.Register(desc)
	if err != nil {
		return models.InvalidHandle, err
	}

	a.metrics.registered.Set(float64(a.registry.Len()))

	return h, nil
}

// UnregisterVM removes a VM. A VM that still owns its resource, or is being
// granted it, is rejected with ErrStillOwner; it has to be stopped first. A
// queued request is dropped.
func (a *Arbiter) UnregisterVM(h models.Handle) error {
	rec, err := a.registry.Unregister(h, func(rec registry.Record) error {
		if rec.State.HoldsResource() || rec.Granting {
			return fmt.Errorf("%w: %s is %s", errors.ErrStillOwner, h, rec.State)
		}

		if owned := a.ledger.OwnedBy(h); len(owned) > 0 {
			return errors.NewInvariantViolation("%s is %s but owns %v", h, rec.State, owned)
		}

		return nil
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrInvariant) {
			a.fatal(err)
		}
		if stderrors.Is(err, errors.ErrStillOwner) {
			a.logger.WithFields(logrus.Fields{
				"vm":     rec.Desc.ID,
				"handle": h,
				"state":  rec.State,
			}).Error("refusing to unregister vm that owns its resource")
		}

		return err
	}

	if w, ok := a.workers[rec.Desc.Resource]; ok && w.queue.Remove(h) {
		w.poke()
	}

	a.metrics.registered.Set(float64(a.registry.Len()))

	return nil
}

// GPURequest asks for the VM's resource.
func (a *Arbiter) GPURequest(h models.Handle) {
	a.event("gpu_request", h, func(rec *registry.Record) (outcome, error) {
		switch rec.State {
		case models.IdleUnrequested:
			rec.State = models.Requested
			rec.RequestedAt = a.now()
			a.workers[rec.Desc.Resource].queue.Push(h, rec.RequestedAt)

			return applied, nil
		case models.Requested:
			return ignored, nil
		case models.Stopping, models.Stopped:
			rec.Pending = true

			return applied, nil
		default:
			return ignored, errors.ProtocolViolation{Event: "gpu_request", State: rec.State.String()}
		}
	})
}

// GPUActive reports that the VM has GPU work.
func (a *Arbiter) GPUActive(h models.Handle) {
	a.event("gpu_active", h, func(rec *registry.Record) (outcome, error) {
		if rec.State == models.IdleUnrequested {
			return ignored, errors.ProtocolViolation{Event: "gpu_active", State: rec.State.String()}
		}

		rec.Activity = models.ActivityActive
		if rec.State == models.GrantedIdle {
			rec.State = models.GrantedActive
			return applied, nil
		}

		return ignored, nil
	})
}

// GPUIdle reports that the VM has no GPU work.
func (a *Arbiter) GPUIdle(h models.Handle) {
	a.event("gpu_idle", h, func(rec *registry.Record) (outcome, error) {
		if rec.State == models.IdleUnrequested {
			return ignored, errors.ProtocolViolation{Event: "gpu_idle", State: rec.State.String()}
		}

		rec.Activity = models.ActivityIdle
		if rec.State == models.GrantedActive {
			rec.State = models.GrantedIdle
			return applied, nil
		}

		return ignored, nil
	})
}

// GPUStopped acknowledges a gpu_stop. With requestAgain the VM is queued
// again once its resource has been released.
func (a *Arbiter) GPUStopped(h models.Handle, requestAgain bool) {
	a.event("gpu_stopped", h, func(rec *registry.Record) (outcome, error) {
		switch {
		case rec.State == models.Stopping && !rec.Lost:
			// A gpu_request sent before this acknowledgement is answered by
			// requestAgain.
			rec.State = models.Stopped
			rec.RequestAgain = requestAgain
			rec.Pending = false

			return applied, nil
		case rec.Lost || rec.Revoked:
			// The grant this answers has been invalidated, so its release
			// can only be stale.
			res, err := a.ledger.Release(rec.Desc.Resource, h, rec.Generation)
			if err != nil {
				return ignored, err
			}
			if res != ledger.Stale {
				return ignored, errors.NewInvariantViolation("late release by revoked %s was accepted", h)
			}

			return stale, nil
		default:
			return ignored, errors.ProtocolViolation{Event: "gpu_stopped", State: rec.State.String()}
		}
	})
}

// GetMax returns the largest partition and the core mask available in every
// partition.
func (a *Arbiter) GetMax(h models.Handle) (models.MaxConfig, error) {
	if _, err := a.registry.Get(h); err != nil {
		return models.MaxConfig{}, err
	}

	a.layoutMu.RLock()
	defer a.layoutMu.RUnlock()

	if len(a.layout) == 0 {
		return models.MaxConfig{}, fmt.Errorf("%w: no partition layout", errors.ErrNotSupported)
	}

	return a.layout.MaxConfig(), nil
}

// RegisterAssignInterface adds the backend that binds resource id.
func (a *Arbiter) RegisterAssignInterface(id models.ResourceID, ops ports.AssignBackend) error {
	if _, err := a.worker(id); err != nil {
		return err
	}

	return a.assign.Register(id, ops)
}

// UnregisterAssignInterface removes the backend of resource id. It fails
// while a VM is bound through it.
func (a *Arbiter) UnregisterAssignInterface(id models.ResourceID) error {
	return a.assign.Unregister(id)
}

// Revoke takes resource r from its owner, gracefully with gpu_stop or, with
// force, immediately with gpu_lost. If an earlier revoke of r could not unbind
// it, the unbind is retried instead and its error returned. It must not be
// called from a VM callback.
func (a *Arbiter) Revoke(ctx context.Context, r models.ResourceID, force bool) error {
	w, err := a.worker(r)
	if err != nil {
		return err
	}

	return w.submit(ctx, func(ctx context.Context) error {
		if w.retire != nil {
			return w.retryUnbind(ctx)
		}

		if w.owner == models.InvalidHandle {
			return nil
		}

		if force {
			return w.forceLost(ctx, w.owner, true)
		}

		w.stop(ctx, w.owner)

		return nil
	})
}

// Repartition reconfigures partition r. The current owner loses it first.
func (a *Arbiter) Repartition(ctx context.Context, r models.ResourceID, profile partition.Profile) error {
	if !a.cfg.Separation || !a.coord.CanRepartition() {
		return fmt.Errorf("%w: hardware separation disabled", errors.ErrNotSupported)
	}

	w, err := a.worker(r)
	if err != nil {
		return err
	}

	return w.submit(ctx, func(ctx context.Context) error {
		if err := w.retryUnbind(ctx); err != nil {
			return err
		}

		if w.owner != models.InvalidHandle {
			if err := w.forceLost(ctx, w.owner, true); err != nil {
				return err
			}
		}

		if err := a.coord.Repartition(ctx, r, profile); err != nil {
			a.fault(Fault{Resource: r, Err: err})
			return err
		}

		a.layoutMu.Lock()
		a.layout[r] = profile
		a.layoutMu.Unlock()

		a.logger.WithFields(logrus.Fields{"resource": r, "profile": profile.Name}).Info("partition reconfigured")

		return nil
	})
}

type outcome int

const (
	applied outcome = iota
	ignored
	stale
)

// event applies fn to the record of h and wakes the resource worker when the
// state changed.
func (a *Arbiter) event(name string, h models.Handle, fn func(*registry.Record) (outcome, error)) {
	var out outcome

	rec, err := a.registry.Update(h, func(rec *registry.Record) error {
		var err error
		out, err = fn(rec)

		return err
	})

	logger := a.logger.WithFields(logrus.Fields{"event": name, "handle": h})

	if err != nil {
		var violation errors.ProtocolViolation
		switch {
		case stderrors.Is(err, errors.ErrInvariant):
			a.fatal(err)
		case stderrors.As(err, &violation), stderrors.Is(err, errors.ErrUnknownHandle):
			a.metrics.violations.WithLabelValues(name).Inc()
			logger.WithError(err).Warn("discarding vm event")
		default:
			logger.WithError(err).Error("vm event failed")
		}

		return
	}

	logger = logger.WithFields(logrus.Fields{"vm": rec.Desc.ID, "state": rec.State})

	switch out {
	case applied:
		logger.Debug("vm event applied")
		a.workers[rec.Desc.Resource].poke()
	case stale:
		a.metrics.stale.WithLabelValues(name).Inc()
		logger.Info("ignoring stale vm event")
	case ignored:
		logger.Trace("vm event ignored")
	}
}

func (a *Arbiter) fault(f Fault) {
	kind := "backend"
	var cbErr *errors.CallbackError
	if stderrors.As(f.Err, &cbErr) {
		kind = "callback"
	}

	a.metrics.faults.WithLabelValues(kind).Inc()
	a.logger.WithFields(logrus.Fields{
		"resource": f.Resource,
		"handle":   f.Handle,
		"vm":       f.VM,
	}).WithError(f.Err).Error("arbiter fault")

	if a.cfg.OnFault != nil {
		a.cfg.OnFault(f)
	}
}

// fatal stops the process on ledger or registry corruption.
func (a *Arbiter) fatal(err error) {
	a.logger.WithError(err).Error("arbiter state corrupted")
	panic(err)
}
