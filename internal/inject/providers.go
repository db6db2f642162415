package inject

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"vistara-arbiter/internal/config"
	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/backend/sim"
	"vistara-arbiter/pkg/client"
	"vistara-arbiter/pkg/defaults"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
	"vistara-arbiter/pkg/scheduler"
)

func FileSystem() afero.Fs {
	return afero.NewOsFs()
}

func DeviceState(cfg *config.Config, fs afero.Fs) (*sim.State, error) {
	return sim.NewState(cfg.StateRootDir, fs)
}

// PowerDevice returns nil when the topology has no power device.
func PowerDevice(cfg *config.Config, state *sim.State, logger *logrus.Entry) (ports.PowerService, error) {
	if !cfg.Topology.Power {
		return nil, nil
	}

	dev, err := sim.NewPowerDevice(state, cfg.DeviceLatency, logger.WithField("component", "power"))
	if err != nil {
		return nil, fmt.Errorf("creating power device: %w", err)
	}

	return dev, nil
}

// Repartitioner returns nil when hardware separation is disabled.
func Repartitioner(cfg *config.Config, state *sim.State, logger *logrus.Entry) (ports.RepartitionService, error) {
	if !cfg.Topology.Separation {
		return nil, nil
	}

	layout, err := cfg.Topology.Layout()
	if err != nil {
		return nil, err
	}

	dev, err := sim.NewRepartitioner(state, cfg.Topology.Slices(), layout, logger.WithField("component", "repartition"))
	if err != nil {
		return nil, fmt.Errorf("creating repartition device: %w", err)
	}

	return dev, nil
}

func AssignDevices(cfg *config.Config, state *sim.State, logger *logrus.Entry) (map[models.ResourceID]ports.AssignBackend, error) {
	out := make(map[models.ResourceID]ports.AssignBackend)

	for _, id := range cfg.Topology.Resources() {
		dev, err := sim.NewAssignDevice(id, state, cfg.DeviceLatency, logger.WithField("component", "assign"))
		if err != nil {
			return nil, fmt.Errorf("creating assign device %s: %w", id, err)
		}
		out[id] = dev
	}

	return out, nil
}

func Policy(cfg *config.Config) (ports.Policy, error) {
	policy, ok := scheduler.ParsePolicy(cfg.Policy, cfg.Timeslice, cfg.MinHold)
	if !ok {
		return nil, fmt.Errorf("unknown scheduling policy %q", cfg.Policy)
	}

	return policy, nil
}

func appPorts(
	power ports.PowerService,
	repartition ports.RepartitionService,
	assign map[models.ResourceID]ports.AssignBackend,
	policy ports.Policy,
) ports.Collection {
	return ports.Collection{
		Power:          power,
		Repartition:    repartition,
		AssignBackends: assign,
		Policy:         policy,
	}
}

func arbiterConfig(cfg *config.Config, logger *logrus.Entry, reg prometheus.Registerer) (arbiter.Config, error) {
	layout, err := cfg.Topology.Layout()
	if err != nil {
		return arbiter.Config{}, err
	}

	maxVMs := cfg.MaxVMs
	if maxVMs == 0 {
		maxVMs = defaults.MaxVMs
	}

	return arbiter.Config{
		Separation: cfg.Topology.Separation,
		Layout:     layout,
		MaxVMs:     maxVMs,
		Timeslice:  cfg.Timeslice,
		MinHold:    cfg.MinHold,
		Freq:       cfg.Topology.Freq,
		Logger:     logger.WithField("component", "arbiter"),
		Registerer: reg,
	}, nil
}

func clientConfig(cfg *config.Config) client.Config {
	out := client.DefaultConfig()
	out.RequestTimeout = cfg.Clients.RequestTimeout
	out.RequestAgainTimeout = cfg.Clients.RequestAgainTimeout

	return out
}
