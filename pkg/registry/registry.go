// Package registry keeps the registered VMs and their arbitration state,
// keyed by stable handles.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

// Record is the arbiter side state of one registered VM.
type Record struct {
	Handle   models.Handle
	Desc     ports.VMDescriptor
	State    models.VMState
	Activity models.Activity

	// Pending is set when the VM asked for the GPU again while its previous
	// ownership was still being torn down.
	Pending bool
	// Lost is set while a forced revocation of this VM is in flight.
	Lost bool
	// RequestAgain carries the flag of the last gpu_stopped.
	RequestAgain bool
	// Granting is set while the worker is powering up or binding for this VM.
	Granting bool
	// Revoked is set when the last grant of this VM was forcibly revoked.
	// Until the next grant any gpu_stopped from it is stale.
	Revoked bool
	// Generation is the ledger generation of the last grant.
	Generation models.Generation

	RequestedAt  time.Time
	GrantedAt    time.Time
	RegisteredAt time.Time
}

// Registry maintains the registered VMs keyed by handle.
type Registry struct {
	logger *logrus.Entry
	maxVMs int
	now    func() time.Time

	mutex   sync.RWMutex
	records map[models.Handle]*Record
	byVM    map[models.VMID]models.Handle
	next    models.Handle
}

// New creates a registry that accepts at most maxVMs live records. A
// non-positive maxVMs means no limit.
func New(logger *logrus.Entry, maxVMs int, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}

	return &Registry{
		logger:  logger,
		maxVMs:  maxVMs,
		now:     now,
		records: make(map[models.Handle]*Record),
		byVM:    make(map[models.VMID]models.Handle),
		next:    models.InvalidHandle,
	}
}

// Register allocates a record for desc and returns its handle.
func (r *Registry) Register(desc ports.VMDescriptor) (models.Handle, error) {
	if desc.Callbacks == nil {
		return models.InvalidHandle, fmt.Errorf("%w: vm %d has no callbacks", errors.ErrInvalidArgument, desc.ID)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if h, exists := r.byVM[desc.ID]; exists {
		return models.InvalidHandle, fmt.Errorf("%w: vm %d is %s", errors.ErrDuplicateVM, desc.ID, h)
	}

	if r.maxVMs > 0 && len(r.records) >= r.maxVMs {
		return models.InvalidHandle, fmt.Errorf("%w: %d vms registered", errors.ErrOutOfResources, len(r.records))
	}

	r.next++
	record := &Record{
		Handle:       r.next,
		Desc:         desc,
		State:        models.IdleUnrequested,
		RegisteredAt: r.now(),
	}
	r.records[record.Handle] = record
	r.byVM[desc.ID] = record.Handle

	r.logger.WithFields(logrus.Fields{
		"vm":       desc.ID,
		"handle":   record.Handle,
		"resource": desc.Resource,
	}).Info("registered vm")

	return record.Handle, nil
}

// Unregister removes the record for handle. check runs under the registry
// lock and can veto the removal.
func (r *Registry) Unregister(handle models.Handle, check func(Record) error) (Record, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.records[handle]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrUnknownHandle, handle)
	}

	if check != nil {
		if err := check(*record); err != nil {
			return *record, err
		}
	}

	delete(r.records, handle)
	delete(r.byVM, record.Desc.ID)

	r.logger.WithFields(logrus.Fields{
		"vm":     record.Desc.ID,
		"handle": handle,
	}).Info("unregistered vm")

	return *record, nil
}

// Get returns a copy of the record for handle.
func (r *Registry) Get(handle models.Handle) (Record, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, ok := r.records[handle]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrUnknownHandle, handle)
	}

	return *record, nil
}

// Update applies fn to the record for handle under the registry lock. The
// record is only changed if fn returns nil.
func (r *Registry) Update(handle models.Handle, fn func(*Record) error) (Record, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.records[handle]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrUnknownHandle, handle)
	}

	updated := *record
	if err := fn(&updated); err != nil {
		return *record, err
	}

	if updated.Handle != handle || updated.Desc.ID != record.Desc.ID {
		return *record, errors.NewInvariantViolation("update changed identity of %s", handle)
	}

	*record = updated

	return updated, nil
}

// List returns a copy of every record ordered by handle.
func (r *Registry) List() []Record {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })

	return out
}

// Len returns the number of registered VMs.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.records)
}
