package models

import "fmt"

// ProtocolVersion is the arbiter protocol version. Callers must present the
// same version when registering; there is no negotiated downgrade.
//
// 1 - first release with paravirtualization support
// 2 - partition manager support
const ProtocolVersion = 2

// NoFreq is passed with a grant when the platform cannot report the GPU
// frequency.
const NoFreq uint32 = 0

// VMID identifies a VM. It is supplied by the VM backend and is stable for
// the lifetime of the registration.
type VMID uint32

// Handle is the arbiter side token for a registered VM. Handles are never
// reused while the arbiter is running.
type Handle uint64

// InvalidHandle is never returned by a successful registration.
const InvalidHandle Handle = 0

func (h Handle) String() string {
	return fmt.Sprintf("vm-handle-%d", uint64(h))
}

// VMState is the per VM protocol state.
type VMState int

const (
	IdleUnrequested VMState = iota
	Requested
	GrantedIdle
	GrantedActive
	Stopping
	Stopped
)

func (s VMState) String() string {
	switch s {
	case IdleUnrequested:
		return "idle_unrequested"
	case Requested:
		return "requested"
	case GrantedIdle:
		return "granted_idle"
	case GrantedActive:
		return "granted_active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Granted reports whether the state is one of the GRANTED_* states.
func (s VMState) Granted() bool {
	return s == GrantedIdle || s == GrantedActive
}

// HoldsResource reports whether a VM in this state is recorded as the owner
// of its resource.
func (s VMState) HoldsResource() bool {
	return s.Granted() || s == Stopping || s == Stopped
}

// Activity is the last scheduling hint reported by a VM.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityActive
)

func (a Activity) String() string {
	if a == ActivityActive {
		return "active"
	}

	return "idle"
}
