package scheduler

import (
	"time"

	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

// FIFOPolicy grants waiting VMs in request order. An idle owner is stopped
// once it has held the resource for MinHold and somebody waits; an active
// owner keeps the resource for Timeslice. A zero Timeslice never preempts an
// active owner.
type FIFOPolicy struct {
	Timeslice time.Duration
	MinHold   time.Duration
}

var _ ports.Policy = FIFOPolicy{}

// Next returns the head of the queue.
func (p FIFOPolicy) Next(candidates []ports.Candidate) (models.Handle, bool) {
	if len(candidates) == 0 {
		return models.InvalidHandle, false
	}

	return candidates[0].Handle, true
}

// ShouldPreempt implements ports.Policy.
func (p FIFOPolicy) ShouldPreempt(owner ports.OwnerInfo, waiting int) (bool, time.Duration) {
	return preemptAfterTimeslice(p.Timeslice, p.MinHold, owner, waiting)
}

// ActivityPolicy prefers waiting VMs whose last report was active and falls
// back to request order.
type ActivityPolicy struct {
	Timeslice time.Duration
	MinHold   time.Duration
}

var _ ports.Policy = ActivityPolicy{}

// Next implements ports.Policy.
func (p ActivityPolicy) Next(candidates []ports.Candidate) (models.Handle, bool) {
	for _, c := range candidates {
		if c.Activity == models.ActivityActive {
			return c.Handle, true
		}
	}

	return FIFOPolicy{}.Next(candidates)
}

// ShouldPreempt implements ports.Policy.
func (p ActivityPolicy) ShouldPreempt(owner ports.OwnerInfo, waiting int) (bool, time.Duration) {
	return preemptAfterTimeslice(p.Timeslice, p.MinHold, owner, waiting)
}

// preemptAfterTimeslice gives a fresh grant minHold to report activity before
// it can be stopped for being idle.
func preemptAfterTimeslice(slice, minHold time.Duration, owner ports.OwnerInfo, waiting int) (bool, time.Duration) {
	if waiting == 0 {
		return false, 0
	}

	if owner.Activity == models.ActivityIdle {
		if owner.HeldFor < minHold {
			return false, minHold - owner.HeldFor
		}

		return true, 0
	}

	if slice <= 0 {
		return false, 0
	}

	if owner.HeldFor >= slice {
		return true, 0
	}

	return false, slice - owner.HeldFor
}

// ParsePolicy returns the policy registered under name.
func ParsePolicy(name string, timeslice, minHold time.Duration) (ports.Policy, bool) {
	switch name {
	case "", "fifo":
		return FIFOPolicy{Timeslice: timeslice, MinHold: minHold}, true
	case "activity":
		return ActivityPolicy{Timeslice: timeslice, MinHold: minHold}, true
	default:
		return nil, false
	}
}
