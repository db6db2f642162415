package inject_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vistara-arbiter/internal/config"
	"vistara-arbiter/internal/inject"
	"vistara-arbiter/pkg/models"
)

const partitioned = `
separation = true
power = true

[[partition]]
id = 0
profile = "2s"

[[partition]]
id = 1
profile = "2s"
`

func TestInitializePartitioned(t *testing.T) {
	topo, err := config.ParseTopology([]byte(partitioned))
	require.NoError(t, err)

	cfg := &config.Config{StateRootDir: t.TempDir(), Policy: "activity"}
	cfg.ApplyTopology(topo)

	logger, _ := logtest.NewNullLogger()
	entry := logger.WithField("test", t.Name())

	p, err := inject.InitializePorts(cfg, entry)
	require.NoError(t, err)
	assert.NotNil(t, p.Power)
	assert.NotNil(t, p.Repartition)
	assert.Len(t, p.AssignBackends, 2)

	arb, err := inject.InitializeArbiter(cfg, p, entry, prometheus.NewRegistry())
	require.NoError(t, err)

	resources := arb.Resources()
	require.Len(t, resources, 2)
	assert.Equal(t, models.ResourceID(0), resources[0].ID)
	assert.True(t, resources[0].Interface)

	manager := inject.InitializeClientManager(cfg, arb, entry)
	assert.Empty(t, manager.Sessions())
}

func TestInitializeWholeGPU(t *testing.T) {
	cfg := &config.Config{StateRootDir: t.TempDir()}

	logger, _ := logtest.NewNullLogger()
	entry := logger.WithField("test", t.Name())

	p, err := inject.InitializePorts(cfg, entry)
	require.NoError(t, err)
	assert.Nil(t, p.Power)
	assert.Nil(t, p.Repartition)
	assert.Len(t, p.AssignBackends, 1)
}

func TestUnknownPolicy(t *testing.T) {
	cfg := &config.Config{StateRootDir: t.TempDir(), Policy: "lottery"}

	logger, _ := logtest.NewNullLogger()

	_, err := inject.InitializePorts(cfg, logger.WithField("test", t.Name()))
	assert.Error(t, err)
}
