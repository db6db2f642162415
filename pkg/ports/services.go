package ports

import (
	"context"
	"time"

	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
)

// VMCallbacks are the notifications the arbiter sends to a VM. An error
// means the VM could not be reached.
type VMCallbacks interface {
	// GPUGranted tells the VM it may use the GPU. freq is models.NoFreq when
	// the platform cannot report it.
	GPUGranted(freq uint32) error
	// GPUStop asks the VM to stop using the GPU and answer with GPUStopped.
	GPUStop() error
	// GPULost tells the VM the GPU was taken away. The VM must fail all
	// outstanding work and issue a fresh request if it still needs the GPU.
	GPULost() error
}

// VMDescriptor is what a VM backend presents when registering.
type VMDescriptor struct {
	ID        models.VMID
	Resource  models.ResourceID
	Version   int
	Callbacks VMCallbacks
}

// ArbiterService is the set of calls a VM makes into the arbiter.
type ArbiterService interface {
	RegisterVM(desc VMDescriptor) (models.Handle, error)
	UnregisterVM(handle models.Handle) error
	GPURequest(handle models.Handle)
	GPUActive(handle models.Handle)
	GPUIdle(handle models.Handle)
	GPUStopped(handle models.Handle, requestAgain bool)
	GetMax(handle models.Handle) (models.MaxConfig, error)
}

// AssignBackend binds a GPU or partition to a VM in hardware. Calls block and
// must not be made concurrently for the same interface.
type AssignBackend interface {
	AssignVM(ctx context.Context, vm models.VMID) error
	UnassignVM(ctx context.Context) error
}

// AssignedVMGetter is implemented by assign backends that can report the
// VM currently bound, or models.UnassignedVM.
type AssignedVMGetter interface {
	GetAssignedVM(ctx context.Context) (int64, error)
}

// PowerService powers the GPU up and down.
type PowerService interface {
	PowerUp(ctx context.Context, resource models.ResourceID) error
	PowerDown(ctx context.Context, resource models.ResourceID) error
}

// RepartitionService rearranges hardware slices. It is only used when
// hardware separation is supported.
type RepartitionService interface {
	Configure(ctx context.Context, resource models.ResourceID, profile partition.Profile) error
}

// Candidate is a VM waiting in a pending request queue.
type Candidate struct {
	Handle   models.Handle
	VM       models.VMID
	Activity models.Activity
	Waiting  time.Duration
}

// OwnerInfo describes the current owner of a resource for preemption
// decisions.
type OwnerInfo struct {
	Handle   models.Handle
	VM       models.VMID
	Activity models.Activity
	HeldFor  time.Duration
}

// Policy decides which waiting VM is granted next and when the current owner
// should be asked to stop.
type Policy interface {
	// Next picks one of the candidates, which are in request order.
	Next(candidates []Candidate) (models.Handle, bool)
	// ShouldPreempt reports whether the owner should be stopped now. When it
	// returns false with a positive duration the arbiter asks again after it.
	ShouldPreempt(owner OwnerInfo, waiting int) (bool, time.Duration)
}
