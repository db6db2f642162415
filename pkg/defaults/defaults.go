package defaults

import "time"

const (
	// StateRootDir is the default directory for simulated device state.
	StateRootDir = "/run/arbiterd"

	// TopologyFile is the default path of the arbiter topology description.
	TopologyFile = "arbiter.toml"

	// HTTPBindAddr is the default address of the status API.
	HTTPBindAddr = "127.0.0.1:8090"

	// MaxVMs is the default number of VM records the registry may hold.
	MaxVMs = 16

	// Timeslice is how long an active owner keeps the GPU while others wait.
	Timeslice = 10 * time.Millisecond

	// MinHold is how long a new owner may stay idle before it is stopped
	// for a waiting VM.
	MinHold = 2 * time.Millisecond

	// RequestTimeout is how long the reference client waits for a grant.
	RequestTimeout = 100 * time.Millisecond

	// RequestAgainTimeout is the delay before the reference client requests
	// the GPU again after stopping. Zero disables requesting again.
	RequestAgainTimeout = 8 * time.Millisecond

	// EmulatedClients is the number of reference clients started by run.
	EmulatedClients = 1

	// DataDirPerm is the permissions to use for data folders.
	DataDirPerm = 0o755

	// DataFilePerm is the permissions to use for data files.
	DataFilePerm = 0o644
)
