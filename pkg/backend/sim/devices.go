package sim

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
	"vistara-arbiter/pkg/ports"
)

// faults holds injected failures. Each injected code fails one call.
type faults struct {
	mu    sync.Mutex
	codes []unix.Errno
}

// Inject makes the next n calls fail with code, one of unix.EINVAL, ENODEV,
// EIO or EFAULT.
func (f *faults) Inject(code unix.Errno, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < n; i++ {
		f.codes = append(f.codes, code)
	}
}

func (f *faults) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.codes) == 0 {
		return nil
	}

	code := f.codes[0]
	f.codes = f.codes[1:]

	return errors.NewBackendError(op, code)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AssignDevice emulates the assign interface of one resource.
type AssignDevice struct {
	faults

	id      models.ResourceID
	state   *State
	latency time.Duration
	logger  *logrus.Entry
}

var (
	_ ports.AssignBackend    = (*AssignDevice)(nil)
	_ ports.AssignedVMGetter = (*AssignDevice)(nil)
)

// NewAssignDevice creates the device for resource id, initially unassigned.
// latency is added to every bind and unbind.
func NewAssignDevice(id models.ResourceID, state *State, latency time.Duration, logger *logrus.Entry) (*AssignDevice, error) {
	d := &AssignDevice{id: id, state: state, latency: latency, logger: logger.WithField("assign_device", id)}
	if err := state.SetAssignedVM(id, models.UnassignedVM); err != nil {
		return nil, err
	}

	return d, nil
}

// AssignVM binds vm. Binding while another VM is bound fails with EINVAL.
func (d *AssignDevice) AssignVM(ctx context.Context, vm models.VMID) error {
	if err := sleep(ctx, d.latency); err != nil {
		return err
	}

	if err := d.next("assign_vm"); err != nil {
		return err
	}

	current, err := d.state.AssignedVM(d.id)
	if err != nil {
		return errors.NewBackendError("assign_vm", unix.EIO)
	}

	if current != models.UnassignedVM && current != int64(vm) {
		return errors.NewBackendError("assign_vm", unix.EINVAL)
	}

	if err := d.state.SetAssignedVM(d.id, int64(vm)); err != nil {
		d.logger.WithError(err).Error("persisting assignment")
		return errors.NewBackendError("assign_vm", unix.EIO)
	}

	d.logger.WithField("vm", vm).Debug("vm assigned")

	return nil
}

// UnassignVM clears the binding.
func (d *AssignDevice) UnassignVM(ctx context.Context) error {
	if err := sleep(ctx, d.latency); err != nil {
		return err
	}

	if err := d.next("unassign_vm"); err != nil {
		return err
	}

	if err := d.state.SetAssignedVM(d.id, models.UnassignedVM); err != nil {
		d.logger.WithError(err).Error("persisting assignment")
		return errors.NewBackendError("unassign_vm", unix.EIO)
	}

	d.logger.Debug("vm unassigned")

	return nil
}

// GetAssignedVM reports the bound VM from the device file.
func (d *AssignDevice) GetAssignedVM(context.Context) (int64, error) {
	vm, err := d.state.AssignedVM(d.id)
	if err != nil {
		return models.UnassignedVM, errors.NewBackendError("get_assigned_vm", unix.EIO)
	}

	return vm, nil
}

// PowerDevice emulates the GPU power controller.
type PowerDevice struct {
	faults

	state   *State
	latency time.Duration
	logger  *logrus.Entry

	mu          sync.Mutex
	transitions int
}

var _ ports.PowerService = (*PowerDevice)(nil)

// NewPowerDevice creates a powered down device.
func NewPowerDevice(state *State, latency time.Duration, logger *logrus.Entry) (*PowerDevice, error) {
	if err := state.SetPowered(false); err != nil {
		return nil, err
	}

	return &PowerDevice{state: state, latency: latency, logger: logger.WithField("device", "power")}, nil
}

func (p *PowerDevice) PowerUp(ctx context.Context, r models.ResourceID) error {
	return p.set(ctx, "power_up", r, true)
}

func (p *PowerDevice) PowerDown(ctx context.Context, r models.ResourceID) error {
	return p.set(ctx, "power_down", r, false)
}

// Transitions returns how many times the power state changed.
func (p *PowerDevice) Transitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.transitions
}

func (p *PowerDevice) set(ctx context.Context, op string, r models.ResourceID, on bool) error {
	if err := sleep(ctx, p.latency); err != nil {
		return err
	}

	if err := p.next(op); err != nil {
		return err
	}

	if err := p.state.SetPowered(on); err != nil {
		p.logger.WithError(err).Error("persisting power state")
		return errors.NewBackendError(op, unix.EIO)
	}

	p.mu.Lock()
	p.transitions++
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"resource": r, "on": on}).Debug("power state changed")

	return nil
}

// Repartitioner emulates the partition manager. It refuses layouts that use
// more slices than the GPU has.
type Repartitioner struct {
	faults

	state       *State
	totalSlices uint32
	logger      *logrus.Entry

	mu     sync.Mutex
	layout partition.Layout
}

var _ ports.RepartitionService = (*Repartitioner)(nil)

// NewRepartitioner stores the initial layout.
func NewRepartitioner(state *State, totalSlices uint32, layout partition.Layout, logger *logrus.Entry) (*Repartitioner, error) {
	r := &Repartitioner{
		state:       state,
		totalSlices: totalSlices,
		logger:      logger.WithField("device", "partition"),
		layout:      layout.Clone(),
	}

	for _, id := range layout.Resources() {
		if err := state.SetPartition(id, layout[id]); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Repartitioner) Configure(ctx context.Context, id models.ResourceID, profile partition.Profile) error {
	if err := r.next("repartition"); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.layout.Clone()
	next[id] = profile
	if r.totalSlices > 0 && next.TotalSlices() > r.totalSlices {
		return errors.NewBackendError("repartition", unix.EINVAL)
	}

	if err := r.state.SetPartition(id, profile); err != nil {
		r.logger.WithError(err).Error("persisting partition")
		return errors.NewBackendError("repartition", unix.EIO)
	}

	r.layout = next
	r.logger.WithFields(logrus.Fields{"resource": id, "profile": profile.Name}).Info("partition configured")

	return nil
}

// Layout returns the current layout.
func (r *Repartitioner) Layout() partition.Layout {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.layout.Clone()
}
