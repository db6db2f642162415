// Package coordinator sequences power, hardware binding and ledger commits
// for grants and revocations.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
	"vistara-arbiter/pkg/ports"
)

// Binder binds a resource to a VM in hardware.
type Binder interface {
	Bind(ctx context.Context, id models.ResourceID, vm models.VMID) error
	Unbind(ctx context.Context, id models.ResourceID) error
	QueryOwner(ctx context.Context, id models.ResourceID) (int64, error)
}

// Coordinator orders the steps of a grant and a revoke. Power is reference
// counted across resources: the GPU is powered up with the first owned
// resource and down when none remains.
type Coordinator struct {
	logger      *logrus.Entry
	binder      Binder
	power       ports.PowerService
	repartition ports.RepartitionService

	mu      sync.Mutex
	powered map[models.ResourceID]bool
}

// New creates a coordinator. power and repartition may be nil.
func New(logger *logrus.Entry, binder Binder, power ports.PowerService, repartition ports.RepartitionService) *Coordinator {
	return &Coordinator{
		logger:      logger,
		binder:      binder,
		power:       power,
		repartition: repartition,
		powered:     make(map[models.ResourceID]bool),
	}
}

// Grant powers up, binds r to vm and then runs commit, which must record the
// ownership in the ledger. If any step fails the earlier steps are undone and
// the error is returned; r is then neither bound nor owned.
func (c *Coordinator) Grant(ctx context.Context, r models.ResourceID, vm models.VMID, commit func() (models.Generation, error)) (models.Generation, error) {
	logger := c.logger.WithFields(logrus.Fields{"resource": r, "vm": vm})

	if err := c.powerRef(ctx, r); err != nil {
		logger.WithError(err).Error("power up failed")
		return 0, err
	}

	if err := c.binder.Bind(ctx, r, vm); err != nil {
		logger.WithError(err).Error("bind failed")
		c.powerUnref(ctx, r)

		return 0, err
	}

	gen, err := commit()
	if err != nil {
		logger.WithError(err).Warn("grant not committed, unwinding bind")

		if uerr := c.binder.Unbind(ctx, r); uerr != nil {
			logger.WithError(uerr).Error("unbind after failed commit")
		}
		c.powerUnref(ctx, r)

		return 0, err
	}

	logger.WithField("generation", gen).Debug("resource granted")

	return gen, nil
}

// Revoke unbinds r, runs release to free the ledger entry and powers down
// when no resource remains owned. If r cannot be unbound nothing else
// happens: released is false, the resource stays owned and powered, and the
// caller retries later.
func (c *Coordinator) Revoke(ctx context.Context, r models.ResourceID, release func() error) (bool, error) {
	logger := c.logger.WithField("resource", r)

	if err := c.unbind(ctx, r); err != nil {
		logger.WithError(err).Error("unbind failed, keeping ownership")
		return false, err
	}

	var errs []error

	if err := release(); err != nil {
		logger.WithError(err).Error("release failed")
		errs = append(errs, err)
	}

	if err := c.powerUnref(ctx, r); err != nil {
		errs = append(errs, err)
	}

	return true, stderrors.Join(errs...)
}

// unbind unbinds r and checks that the hardware no longer reports an owner.
func (c *Coordinator) unbind(ctx context.Context, r models.ResourceID) error {
	if err := c.binder.Unbind(ctx, r); err != nil {
		return err
	}

	owner, err := c.binder.QueryOwner(ctx, r)
	if err != nil {
		return err
	}

	if owner != models.UnassignedVM {
		return fmt.Errorf("%s still assigned to vm %d after unbind: %w", r, owner,
			errors.NewBackendError("unassign_vm", unix.EIO))
	}

	return nil
}

// Repartition applies profile to r. The caller must have drained r.
func (c *Coordinator) Repartition(ctx context.Context, r models.ResourceID, profile partition.Profile) error {
	if c.repartition == nil {
		return fmt.Errorf("%w: no repartition backend", errors.ErrNotSupported)
	}

	if err := c.repartition.Configure(ctx, r, profile); err != nil {
		c.logger.WithFields(logrus.Fields{"resource": r, "profile": profile.Name}).WithError(err).Error("repartition failed")
		return err
	}

	return nil
}

// CanRepartition reports whether a repartition backend is configured.
func (c *Coordinator) CanRepartition() bool {
	return c.repartition != nil
}

// Powered reports whether the GPU is currently powered on behalf of any
// resource.
func (c *Coordinator) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.powered) > 0
}

func (c *Coordinator) powerRef(ctx context.Context, r models.ResourceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.powered[r] {
		return errors.NewInvariantViolation("%s powered twice", r)
	}

	if len(c.powered) == 0 && c.power != nil {
		if err := c.power.PowerUp(ctx, r); err != nil {
			return err
		}
		c.logger.WithField("resource", r).Debug("gpu powered up")
	}

	c.powered[r] = true

	return nil
}

func (c *Coordinator) powerUnref(ctx context.Context, r models.ResourceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.powered[r] {
		return nil
	}

	delete(c.powered, r)

	if len(c.powered) == 0 && c.power != nil {
		if err := c.power.PowerDown(ctx, r); err != nil {
			c.logger.WithField("resource", r).WithError(err).Error("power down failed")
			return err
		}
		c.logger.WithField("resource", r).Debug("gpu powered down")
	}

	return nil
}
