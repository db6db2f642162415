package flags

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vistara-arbiter/internal/config"
	"vistara-arbiter/pkg/defaults"
)

const (
	topologyFlag            = "topology"
	stateDirFlag            = "state-dir"
	httpBindAddrFlag        = "http-bind-addr"
	disableAPIFlag          = "disable-api"
	maxVMsFlag              = "max-vms"
	policyFlag              = "policy"
	timesliceFlag           = "timeslice"
	minHoldFlag             = "min-hold"
	deviceLatencyFlag       = "device-latency"
	clientsFlag             = "clients"
	clientVMBaseFlag        = "client-vm-base"
	requestTimeoutFlag      = "request-timeout"
	requestAgainTimeoutFlag = "request-again-timeout"
	outputFlag              = "output"
)

// AddArbiterFlagsToCommand will add the arbiter flags to the supplied command.
func AddArbiterFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.TopologyFile,
		topologyFlag,
		defaults.TopologyFile,
		"Path to the TOML file describing the GPU partitions, power device and clients.")

	cmd.Flags().StringVar(&cfg.StateRootDir,
		stateDirFlag,
		defaults.StateRootDir,
		"The directory to use as the root for simulated device state.")

	cmd.Flags().IntVar(&cfg.MaxVMs,
		maxVMsFlag,
		defaults.MaxVMs,
		"The number of VMs that may be registered at once.")

	cmd.Flags().StringVar(&cfg.Policy,
		policyFlag,
		"fifo",
		"The scheduling policy. Accepted values: fifo, activity.")

	cmd.Flags().DurationVar(&cfg.Timeslice,
		timesliceFlag,
		defaults.Timeslice,
		"How long an active owner keeps a resource while others wait. 0 never preempts an active owner.")

	cmd.Flags().DurationVar(&cfg.MinHold,
		minHoldFlag,
		defaults.MinHold,
		"How long a new owner may stay idle before a waiting VM preempts it.")
}

// AddAPIFlagsToCommand will add the status API flags to the supplied command.
func AddAPIFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.HTTPBindAddr,
		httpBindAddrFlag,
		defaults.HTTPBindAddr,
		"The address the status API listens on.")
}

// AddClientFlagsToCommand will add the emulated client flags to the supplied command.
func AddClientFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVar(&cfg.Clients.Count,
		clientsFlag,
		defaults.EmulatedClients,
		"Number of emulated VM drivers to start.")

	cmd.Flags().Uint32Var(&cfg.Clients.VMBase,
		clientVMBaseFlag,
		1,
		"VM id of the first emulated driver.")

	cmd.Flags().DurationVar(&cfg.Clients.RequestTimeout,
		requestTimeoutFlag,
		defaults.RequestTimeout,
		"How long an emulated driver waits for its first grant.")

	cmd.Flags().DurationVar(&cfg.Clients.RequestAgainTimeout,
		requestAgainTimeoutFlag,
		defaults.RequestAgainTimeout,
		"Delay before an emulated driver requests the GPU again after stopping. 0 disables it.")
}

// AddHiddenFlagsToCommand will add hidden flags to the supplied command.
func AddHiddenFlagsToCommand(cmd *cobra.Command, cfg *config.Config) error {
	cmd.Flags().BoolVar(&cfg.DisableAPI,
		disableAPIFlag,
		false,
		"Set to true to stop the api server running")

	cmd.Flags().DurationVar(&cfg.DeviceLatency,
		deviceLatencyFlag,
		0,
		"Latency added to every simulated device operation")

	if err := cmd.Flags().MarkHidden(disableAPIFlag); err != nil {
		return fmt.Errorf("setting %s as hidden: %w", disableAPIFlag, err)
	}

	if err := cmd.Flags().MarkHidden(deviceLatencyFlag); err != nil {
		return fmt.Errorf("setting %s as hidden: %w", deviceLatencyFlag, err)
	}

	return nil
}

// AddStatusFlagsToCommand will add the status command flags.
func AddStatusFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	AddAPIFlagsToCommand(cmd, cfg)

	cmd.Flags().StringVarP(&cfg.StatusOutput,
		outputFlag,
		"o",
		"yaml",
		"Output format. Accepted values: yaml, json.")
}

// BindCommandToViper binds the command flags to viper so they can be set
// from the environment or the config file.
func BindCommandToViper(cmd *cobra.Command) {
	bindFlagsToViper(cmd.PersistentFlags())
	bindFlagsToViper(cmd.Flags())
}

func bindFlagsToViper(fs *pflag.FlagSet) {
	fs.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
		_ = viper.BindEnv(flag.Name)

		if !flag.Changed && viper.IsSet(flag.Name) {
			val := viper.Get(flag.Name)
			_ = fs.Set(flag.Name, fmt.Sprintf("%v", val))
		}
	})
}
