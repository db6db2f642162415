package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/client"
	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type nopAssign struct{}

func (nopAssign) AssignVM(context.Context, models.VMID) error { return nil }
func (nopAssign) UnassignVM(context.Context) error            { return nil }

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return logrus.NewEntry(logger)
}

func newArbiter(t *testing.T, cfg arbiter.Config, backends map[models.ResourceID]ports.AssignBackend) *arbiter.Arbiter {
	t.Helper()

	if backends == nil {
		backends = map[models.ResourceID]ports.AssignBackend{0: nopAssign{}}
	}
	cfg.Logger = quietLogger()

	arb, err := arbiter.New(cfg, ports.Collection{AssignBackends: backends})
	require.NoError(t, err)
	require.NoError(t, arb.Start(context.Background()))
	t.Cleanup(arb.Stop)

	return arb
}

func newManager(t *testing.T, arb *arbiter.Arbiter, cfg client.Config) *client.Manager {
	t.Helper()

	m := client.NewManager(arb, cfg, quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Close(ctx)
	})

	return m
}

func vmState(arb *arbiter.Arbiter, h models.Handle) string {
	for _, s := range arb.VMs() {
		if s.Handle == h {
			return s.State
		}
	}

	return ""
}

func TestOpenWaitsForGrant(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, nil)
	m := newManager(t, arb, client.DefaultConfig())

	s, err := m.Open(context.Background(), 1, 0)
	require.NoError(t, err)

	assert.True(t, s.Granted())
	assert.Equal(t, 1, s.Info().Grants)
	assert.Equal(t, models.GrantedIdle.String(), vmState(arb, s.Handle()))
	assert.Len(t, m.Sessions(), 1)
}

func TestStoppedSessionRequestsAgain(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, nil)
	m := newManager(t, arb, client.DefaultConfig())

	first, err := m.Open(context.Background(), 1, 0)
	require.NoError(t, err)

	second, err := m.Open(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Info().Grants)

	require.Eventually(t, func() bool {
		return first.Info().Grants >= 2
	}, waitFor, tick)
	assert.GreaterOrEqual(t, first.Info().Stops, 1)
}

func TestRequestAgainDisabled(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, nil)
	cfg := client.DefaultConfig()
	cfg.RequestAgainTimeout = 0
	m := newManager(t, arb, cfg)

	first, err := m.Open(context.Background(), 1, 0)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), 2, 0)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	info := first.Info()
	assert.Equal(t, 1, info.Grants)
	assert.Equal(t, 1, info.Stops)
	assert.False(t, info.RequestAgainPending)
	assert.Equal(t, models.IdleUnrequested.String(), vmState(arb, first.Handle()))
}

func TestSetRequestAgainTimeoutReschedules(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, nil)
	cfg := client.DefaultConfig()
	cfg.RequestAgainTimeout = time.Hour
	m := newManager(t, arb, cfg)

	first, err := m.Open(context.Background(), 1, 0)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), 2, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.Info().RequestAgainPending }, waitFor, tick)

	m.SetRequestAgainTimeout(time.Millisecond)
	assert.Equal(t, time.Millisecond, m.RequestAgainTimeout())

	require.Eventually(t, func() bool { return first.Info().Grants >= 2 }, waitFor, tick)
}

func TestLostSessionRequestsImmediately(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, nil)
	m := newManager(t, arb, client.DefaultConfig())

	s, err := m.Open(context.Background(), 1, 0)
	require.NoError(t, err)

	require.NoError(t, arb.Revoke(context.Background(), 0, true))

	require.Eventually(t, func() bool { return s.Info().Grants == 2 }, waitFor, tick)
	assert.Equal(t, 1, s.Info().Losts)
	assert.True(t, s.Granted())
}

func TestGrantTimeout(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, map[models.ResourceID]ports.AssignBackend{})
	cfg := client.DefaultConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	m := newManager(t, arb, cfg)

	_, err := m.Open(context.Background(), 1, 0)
	assert.ErrorIs(t, err, errors.ErrGrantTimeout)
	assert.Empty(t, arb.VMs())
	assert.Empty(t, m.Sessions())
}

func TestRegisterRetriesWhenFull(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{MaxVMs: 1}, nil)
	cfg := client.DefaultConfig()
	cfg.RegisterTimeout = waitFor
	m := newManager(t, arb, cfg)

	first, err := m.Open(context.Background(), 1, 0)
	require.NoError(t, err)

	opened := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), 2, 0)
		opened <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.CloseSession(context.Background(), first.ID()))

	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("second session never opened")
	}

	vms := arb.VMs()
	require.Len(t, vms, 1)
	assert.Equal(t, models.VMID(2), vms[0].VM)
}

func TestRegisterUnknownResourceIsNotRetried(t *testing.T) {
	arb := newArbiter(t, arbiter.Config{}, nil)
	m := newManager(t, arb, client.DefaultConfig())

	_, err := m.Open(context.Background(), 1, 9)
	assert.ErrorIs(t, err, errors.ErrUnknownResource)
	assert.Empty(t, m.Sessions())
}
