package models

import "fmt"

// ResourceID identifies an arbitrable resource: the whole GPU (id 0) when
// there is no hardware separation, otherwise one partition. It is the same
// value as the assign interface id for that resource.
type ResourceID uint32

func (r ResourceID) String() string {
	return fmt.Sprintf("resource-%d", uint32(r))
}

// Generation is the per resource ownership counter.
type Generation uint64

// Owner is the VM recorded as owning a resource, if any.
type Owner struct {
	VM       VMID   `json:"vm_id"`
	Handle   Handle `json:"handle"`
	Assigned bool   `json:"assigned"`
}

// Unassigned is the owner value of a free resource.
var Unassigned = Owner{}

// UnassignedVM is reported by assign backends when nothing is bound.
const UnassignedVM int64 = -1

// MaxConfig is the answer to a get_max request.
type MaxConfig struct {
	Slices   uint32 `json:"max_slices"`
	CoreMask uint32 `json:"max_core_mask"`
}
