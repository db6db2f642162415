package arbiter

import (
	"time"

	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
)

// VMStatus describes a registered VM.
type VMStatus struct {
	Handle       models.Handle     `json:"handle" yaml:"handle"`
	VM           models.VMID       `json:"vm" yaml:"vm"`
	Resource     models.ResourceID `json:"resource" yaml:"resource"`
	State        string            `json:"state" yaml:"state"`
	Activity     string            `json:"activity" yaml:"activity"`
	Pending      bool              `json:"pending,omitempty" yaml:"pending,omitempty"`
	Generation   models.Generation `json:"generation" yaml:"generation"`
	RegisteredAt time.Time         `json:"registered_at" yaml:"registered_at"`
	GrantedAt    *time.Time        `json:"granted_at,omitempty" yaml:"granted_at,omitempty"`
}

// ResourceStatus describes a resource and its waiters.
type ResourceStatus struct {
	ID         models.ResourceID  `json:"id" yaml:"id"`
	Owner      models.Owner       `json:"owner" yaml:"owner"`
	Generation models.Generation  `json:"generation" yaml:"generation"`
	Revoked    bool               `json:"revoked,omitempty" yaml:"revoked,omitempty"`
	Queue      []models.Handle    `json:"queue" yaml:"queue"`
	Interface  bool               `json:"interface" yaml:"interface"`
	Profile    *partition.Profile `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// VMs returns every registered VM ordered by handle.
func (a *Arbiter) VMs() []VMStatus {
	records := a.registry.List()
	out := make([]VMStatus, 0, len(records))

	for _, rec := range records {
		s := VMStatus{
			Handle:       rec.Handle,
			VM:           rec.Desc.ID,
			Resource:     rec.Desc.Resource,
			State:        rec.State.String(),
			Activity:     rec.Activity.String(),
			Pending:      rec.Pending,
			Generation:   rec.Generation,
			RegisteredAt: rec.RegisteredAt,
		}
		if rec.State.HoldsResource() {
			granted := rec.GrantedAt
			s.GrantedAt = &granted
		}
		out = append(out, s)
	}

	return out
}

// Resources returns every resource ordered by id.
func (a *Arbiter) Resources() []ResourceStatus {
	a.layoutMu.RLock()
	layout := a.layout.Clone()
	a.layoutMu.RUnlock()

	entries := a.ledger.Snapshot()
	out := make([]ResourceStatus, 0, len(entries))

	for _, e := range entries {
		s := ResourceStatus{
			ID:         e.Resource,
			Owner:      e.Owner,
			Generation: e.Generation,
			Revoked:    e.Revoked,
			Queue:      a.workers[e.Resource].queue.Handles(),
			Interface:  a.assign.Registered(e.Resource),
		}
		if p, ok := layout[e.Resource]; ok {
			s.Profile = &p
		}
		out = append(out, s)
	}

	return out
}

// Powered reports whether the GPU is powered for at least one resource.
func (a *Arbiter) Powered() bool {
	return a.coord.Powered()
}
