// Package ledger records which VM owns each arbitrable resource.
//
// Every ownership change bumps a per resource generation. Releases that
// present an outdated generation are ignored, which is what makes a forced
// revocation safe against late acknowledgements from the revoked VM.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
)

// Grant is the result of TryAcquire.
type Grant struct {
	Granted    bool
	Generation models.Generation
	// Owner is the new owner when granted, the current owner when busy.
	Owner models.Owner
}

// ReleaseResult is the result of Release and Invalidate.
type ReleaseResult int

const (
	Released ReleaseResult = iota
	Stale
)

func (r ReleaseResult) String() string {
	if r == Stale {
		return "stale"
	}

	return "released"
}

// Entry is a snapshot of one resource.
type Entry struct {
	Resource   models.ResourceID `json:"resource"`
	Owner      models.Owner      `json:"owner"`
	Generation models.Generation `json:"generation"`
	// Revoked is set between a forced revocation and the final release.
	Revoked bool `json:"revoked"`
}

type entry struct {
	mu         sync.Mutex
	owner      models.Owner
	generation models.Generation
	revoked    bool
}

// Ledger is the single source of truth for resource ownership. The set of
// resources is fixed at construction.
type Ledger struct {
	entries map[models.ResourceID]*entry
}

// New creates a ledger with every resource unassigned.
func New(resources []models.ResourceID) *Ledger {
	l := &Ledger{entries: make(map[models.ResourceID]*entry, len(resources))}
	for _, r := range resources {
		l.entries[r] = &entry{}
	}

	return l
}

func (l *Ledger) lookup(r models.ResourceID) (*entry, error) {
	e, ok := l.entries[r]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownResource, r)
	}

	return e, nil
}

// TryAcquire records vm as the owner of r if it is free. Exactly one of any
// set of concurrent callers is granted.
func (l *Ledger) TryAcquire(r models.ResourceID, vm models.VMID, handle models.Handle) (Grant, error) {
	e, err := l.lookup(r)
	if err != nil {
		return Grant{}, err
	}

	if handle == models.InvalidHandle {
		return Grant{}, fmt.Errorf("%w: acquire with invalid handle", errors.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner.Assigned {
		return Grant{Granted: false, Generation: e.generation, Owner: e.owner}, nil
	}

	e.generation++
	e.owner = models.Owner{VM: vm, Handle: handle, Assigned: true}
	e.revoked = false

	return Grant{Granted: true, Generation: e.generation, Owner: e.owner}, nil
}

// Invalidate bumps the generation of r without freeing it. It is used when a
// VM is forcibly revoked: the hardware is still bound until the final
// Release, which must present the returned generation. A caller presenting an
// outdated generation gets Stale.
func (l *Ledger) Invalidate(r models.ResourceID, handle models.Handle, gen models.Generation) (models.Generation, ReleaseResult, error) {
	e, err := l.lookup(r)
	if err != nil {
		return 0, Stale, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.owner.Assigned || e.owner.Handle != handle || e.generation != gen {
		return e.generation, Stale, nil
	}

	e.generation++
	e.revoked = true

	return e.generation, Released, nil
}

// Release frees r if handle owns it at generation gen. Anything else is a
// stale release and leaves the ledger untouched.
func (l *Ledger) Release(r models.ResourceID, handle models.Handle, gen models.Generation) (ReleaseResult, error) {
	e, err := l.lookup(r)
	if err != nil {
		return Stale, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.owner.Assigned || e.owner.Handle != handle || e.generation != gen {
		return Stale, nil
	}

	if gen == 0 {
		return Stale, errors.NewInvariantViolation("%s owned at generation zero", r)
	}

	e.generation++
	e.owner = models.Unassigned
	e.revoked = false

	return Released, nil
}

// Owner returns the current owner and generation of r.
func (l *Ledger) Owner(r models.ResourceID) (models.Owner, models.Generation, error) {
	e, err := l.lookup(r)
	if err != nil {
		return models.Unassigned, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.owner, e.generation, nil
}

// OwnedBy returns the resources owned by handle.
func (l *Ledger) OwnedBy(handle models.Handle) []models.ResourceID {
	var out []models.ResourceID
	for _, entry := range l.Snapshot() {
		if entry.Owner.Assigned && entry.Owner.Handle == handle {
			out = append(out, entry.Resource)
		}
	}

	return out
}

// OwnedCount returns how many resources currently have an owner.
func (l *Ledger) OwnedCount() int {
	n := 0
	for _, entry := range l.Snapshot() {
		if entry.Owner.Assigned {
			n++
		}
	}

	return n
}

// Resources returns the resource ids in ascending order.
func (l *Ledger) Resources() []models.ResourceID {
	ids := make([]models.ResourceID, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Snapshot returns every entry ordered by resource id. Each entry is read
// under its own lock; the snapshot as a whole is not atomic.
func (l *Ledger) Snapshot() []Entry {
	ids := l.Resources()
	out := make([]Entry, 0, len(ids))

	for _, id := range ids {
		e := l.entries[id]
		e.mu.Lock()
		out = append(out, Entry{
			Resource:   id,
			Owner:      e.owner,
			Generation: e.generation,
			Revoked:    e.revoked,
		})
		e.mu.Unlock()
	}

	return out
}
