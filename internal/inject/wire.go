//go:build wireinject
// +build wireinject

package inject

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"vistara-arbiter/internal/config"
	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/client"
	"vistara-arbiter/pkg/ports"
)

func InitializePorts(cfg *config.Config, logger *logrus.Entry) (ports.Collection, error) {
	wire.Build(
		FileSystem,
		DeviceState,
		PowerDevice,
		Repartitioner,
		AssignDevices,
		Policy,
		appPorts,
	)

	return ports.Collection{}, nil
}

func InitializeArbiter(cfg *config.Config, p ports.Collection, logger *logrus.Entry, reg prometheus.Registerer) (*arbiter.Arbiter, error) {
	wire.Build(arbiter.New, arbiterConfig)

	return nil, nil
}

func InitializeClientManager(cfg *config.Config, arb *arbiter.Arbiter, logger *logrus.Entry) *client.Manager {
	wire.Build(
		client.NewManager,
		clientConfig,
		wire.Bind(new(ports.ArbiterService), new(*arbiter.Arbiter)),
	)

	return nil
}
