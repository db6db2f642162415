package config

import (
	"time"

	"vistara-arbiter/pkg/log"
)

// Config represents the arbiterd configuration.
type Config struct {
	// Logging contains the logging related config.
	Logging log.Config
	// TopologyFile is the path of the TOML file describing the GPU.
	TopologyFile string
	// StateRootDir is the root directory of the simulated device state.
	StateRootDir string
	// HTTPBindAddr is the address the status API listens on.
	HTTPBindAddr string
	// DisableAPI stops the status API from being served.
	DisableAPI bool
	// MaxVMs is the number of VM records the registry may hold.
	MaxVMs int
	// Policy is the scheduling policy, fifo or activity.
	Policy string
	// Timeslice is how long an active owner keeps a resource while others
	// wait. Zero never preempts an active owner.
	Timeslice time.Duration
	// MinHold is how long a new owner may stay idle before a waiting VM
	// preempts it.
	MinHold time.Duration
	// DeviceLatency is added to every simulated device operation.
	DeviceLatency time.Duration
	// Clients configures the emulated VM drivers started by run.
	Clients ClientsConfig
	// StatusOutput is the output format of the status command.
	StatusOutput string

	// Topology is loaded from TopologyFile.
	Topology Topology
}

// ClientsConfig configures the emulated VM drivers.
type ClientsConfig struct {
	Count               int
	VMBase              uint32
	RequestTimeout      time.Duration
	RequestAgainTimeout time.Duration
}

// ApplyTopology copies the policy and client settings of a topology file
// over the flag values. Settings the file leaves empty keep the flag value.
func (c *Config) ApplyTopology(t Topology) {
	c.Topology = t

	if t.Policy.Name != "" {
		c.Policy = t.Policy.Name
	}
	if t.Policy.Timeslice != nil {
		c.Timeslice = t.Policy.Timeslice.Duration
	}
	if t.Policy.MinHold != nil {
		c.MinHold = t.Policy.MinHold.Duration
	}
	if t.MaxVMs > 0 {
		c.MaxVMs = t.MaxVMs
	}
	if t.Clients.Count != nil {
		c.Clients.Count = *t.Clients.Count
	}
	if t.Clients.VMBase != 0 {
		c.Clients.VMBase = t.Clients.VMBase
	}
	if t.Clients.RequestTimeout != nil {
		c.Clients.RequestTimeout = t.Clients.RequestTimeout.Duration
	}
	if t.Clients.RequestAgainTimeout != nil {
		c.Clients.RequestAgainTimeout = t.Clients.RequestAgainTimeout.Duration
	}
}
