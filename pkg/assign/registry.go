// Package assign tracks the backend interfaces that bind a resource to a VM
// in hardware.
package assign

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

// WholeGPU is the only interface id accepted without hardware separation.
const WholeGPU models.ResourceID = 0

// ChangeFunc is called after an interface is registered or unregistered.
type ChangeFunc func(id models.ResourceID, registered bool)

// Interface is a snapshot of one registered assign interface.
type Interface struct {
	ID    models.ResourceID `json:"id"`
	Bound bool              `json:"bound"`
	VM    models.VMID       `json:"vm,omitempty"`
}

type iface struct {
	// mu serializes backend calls on this interface.
	mu      sync.Mutex
	ops     ports.AssignBackend
	vm      models.VMID
	bound   bool
	removed bool
}

// Registry holds the assign interfaces keyed by id.
type Registry struct {
	logger     *logrus.Entry
	separation bool

	mu       sync.RWMutex
	ifaces   map[models.ResourceID]*iface
	onChange ChangeFunc
}

// NewRegistry creates an empty registry. With separation disabled only
// WholeGPU may be registered.
func NewRegistry(logger *logrus.Entry, separation bool) *Registry {
	return &Registry{
		logger:     logger,
		separation: separation,
		ifaces:     make(map[models.ResourceID]*iface),
	}
}

// OnChange installs fn as the change hook, replacing any previous one.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register adds the interface id backed by ops.
func (r *Registry) Register(id models.ResourceID, ops ports.AssignBackend) error {
	if ops == nil {
		return fmt.Errorf("%w: nil assign backend for interface %d", errors.ErrInvalidArgument, id)
	}

	if !r.separation && id != WholeGPU {
		return fmt.Errorf("%w: interface %d without hardware separation", errors.ErrInvalidArgument, id)
	}

	r.mu.Lock()
	if _, exists := r.ifaces[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", errors.ErrDuplicateInterface, id)
	}
	r.ifaces[id] = &iface{ops: ops}
	hook := r.onChange
	r.mu.Unlock()

	r.logger.WithField("interface", id).Info("registered assign interface")

	if hook != nil {
		hook(id, true)
	}

	return nil
}

// Unregister removes the interface id. It fails while a VM is bound.
func (r *Registry) Unregister(id models.ResourceID) error {
	i, err := r.lookup(id)
	if err != nil {
		return err
	}

	i.mu.Lock()
	if i.bound {
		vm := i.vm
		i.mu.Unlock()
		r.logger.WithFields(logrus.Fields{"interface": id, "vm": vm}).Error("refusing to unregister bound assign interface")

		return fmt.Errorf("%w: interface %d bound to vm %d", errors.ErrStillBound, id, vm)
	}
	i.removed = true
	i.mu.Unlock()

	r.mu.Lock()
	if r.ifaces[id] == i {
		delete(r.ifaces, id)
	}
	hook := r.onChange
	r.mu.Unlock()

	r.logger.WithField("interface", id).Info("unregistered assign interface")

	if hook != nil {
		hook(id, false)
	}

	return nil
}

// Registered reports whether id is registered.
func (r *Registry) Registered(id models.ResourceID) bool {
	_, err := r.lookup(id)

	return err == nil
}

// Bind assigns vm to the interface. Backend errors are returned unchanged and
// leave the recorded binding untouched.
func (r *Registry) Bind(ctx context.Context, id models.ResourceID, vm models.VMID) error {
	i, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer i.mu.Unlock()

	if err := i.ops.AssignVM(ctx, vm); err != nil {
		return err
	}

	i.vm = vm
	i.bound = true

	return nil
}

// Unbind removes the VM assignment from the interface.
func (r *Registry) Unbind(ctx context.Context, id models.ResourceID) error {
	i, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer i.mu.Unlock()

	if err := i.ops.UnassignVM(ctx); err != nil {
		return err
	}

	i.vm = 0
	i.bound = false

	return nil
}

// QueryOwner returns the VM bound to the interface or models.UnassignedVM.
// Backends that can report the binding themselves are asked directly.
func (r *Registry) QueryOwner(ctx context.Context, id models.ResourceID) (int64, error) {
	i, err := r.acquire(id)
	if err != nil {
		return models.UnassignedVM, err
	}
	defer i.mu.Unlock()

	if getter, ok := i.ops.(ports.AssignedVMGetter); ok {
		return getter.GetAssignedVM(ctx)
	}

	if !i.bound {
		return models.UnassignedVM, nil
	}

	return int64(i.vm), nil
}

// List returns every registered interface ordered by id.
func (r *Registry) List() []Interface {
	r.mu.RLock()
	ids := make([]models.ResourceID, 0, len(r.ifaces))
	ifaces := make([]*iface, 0, len(r.ifaces))
	for id, i := range r.ifaces {
		ids = append(ids, id)
		ifaces = append(ifaces, i)
	}
	r.mu.RUnlock()

	out := make([]Interface, 0, len(ids))
	for n, i := range ifaces {
		i.mu.Lock()
		out = append(out, Interface{ID: ids[n], Bound: i.bound, VM: i.vm})
		i.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })

	return out
}

func (r *Registry) lookup(id models.ResourceID) (*iface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.ifaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errors.ErrUnknownInterface, id)
	}

	return i, nil
}

// acquire returns the interface with its lock held.
func (r *Registry) acquire(id models.ResourceID) (*iface, error) {
	i, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	if i.removed {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", errors.ErrUnknownInterface, id)
	}

	return i, nil
}
