package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
)

type recorder struct {
	steps     []string
	bindErr   error
	unbindErr error
	upErr     error
	// stuck makes unbind succeed without clearing the binding.
	stuck bool
	bound map[models.ResourceID]models.VMID
}

func (r *recorder) Bind(_ context.Context, id models.ResourceID, vm models.VMID) error {
	r.steps = append(r.steps, fmt.Sprintf("bind %d %d", id, vm))
	if r.bindErr != nil {
		return r.bindErr
	}

	if r.bound == nil {
		r.bound = make(map[models.ResourceID]models.VMID)
	}
	r.bound[id] = vm

	return nil
}

func (r *recorder) Unbind(_ context.Context, id models.ResourceID) error {
	r.steps = append(r.steps, fmt.Sprintf("unbind %d", id))
	if r.unbindErr != nil {
		return r.unbindErr
	}

	if !r.stuck {
		delete(r.bound, id)
	}

	return nil
}

func (r *recorder) QueryOwner(_ context.Context, id models.ResourceID) (int64, error) {
	vm, ok := r.bound[id]
	if !ok {
		return models.UnassignedVM, nil
	}

	return int64(vm), nil
}

func (r *recorder) PowerUp(_ context.Context, id models.ResourceID) error {
	r.steps = append(r.steps, fmt.Sprintf("up %d", id))
	return r.upErr
}

func (r *recorder) PowerDown(_ context.Context, id models.ResourceID) error {
	r.steps = append(r.steps, fmt.Sprintf("down %d", id))
	return nil
}

func (r *recorder) Configure(_ context.Context, id models.ResourceID, p partition.Profile) error {
	r.steps = append(r.steps, fmt.Sprintf("configure %d %s", id, p.Name))
	return nil
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return logrus.NewEntry(logger)
}

func commitWith(rec *recorder, gen models.Generation, err error) func() (models.Generation, error) {
	return func() (models.Generation, error) {
		rec.steps = append(rec.steps, "commit")
		return gen, err
	}
}

func TestGrantAndRevokeOrder(t *testing.T) {
	rec := &recorder{}
	c := New(testLogger(), rec, rec, nil)

	gen, err := c.Grant(context.Background(), 0, 5, commitWith(rec, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, models.Generation(1), gen)
	assert.True(t, c.Powered())

	released, err := c.Revoke(context.Background(), 0, func() error {
		rec.steps = append(rec.steps, "release")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, c.Powered())

	assert.Equal(t, []string{"up 0", "bind 0 5", "commit", "unbind 0", "release", "down 0"}, rec.steps)
}

func TestPowerReferenceCounted(t *testing.T) {
	rec := &recorder{}
	c := New(testLogger(), rec, rec, nil)
	ctx := context.Background()

	_, err := c.Grant(ctx, 1, 5, commitWith(rec, 1, nil))
	require.NoError(t, err)
	_, err = c.Grant(ctx, 2, 6, commitWith(rec, 1, nil))
	require.NoError(t, err)

	_, err = c.Revoke(ctx, 1, func() error { return nil })
	require.NoError(t, err)
	assert.True(t, c.Powered())
	_, err = c.Revoke(ctx, 2, func() error { return nil })
	require.NoError(t, err)
	assert.False(t, c.Powered())

	assert.Equal(t, []string{
		"up 1", "bind 1 5", "commit",
		"bind 2 6", "commit",
		"unbind 1",
		"unbind 2", "down 2",
	}, rec.steps)
}

func TestGrantWithoutPower(t *testing.T) {
	rec := &recorder{}
	c := New(testLogger(), rec, nil, nil)

	_, err := c.Grant(context.Background(), 0, 1, commitWith(rec, 3, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"bind 0 1", "commit"}, rec.steps)
}

func TestGrantBindFailureUnwindsPower(t *testing.T) {
	rec := &recorder{bindErr: errors.NewBackendError("assign_vm", unix.ENODEV)}
	c := New(testLogger(), rec, rec, nil)

	_, err := c.Grant(context.Background(), 0, 1, commitWith(rec, 1, nil))
	assert.ErrorIs(t, err, unix.ENODEV)
	assert.False(t, c.Powered())
	assert.Equal(t, []string{"up 0", "bind 0 1", "down 0"}, rec.steps)
}

func TestGrantCommitFailureUnbinds(t *testing.T) {
	rec := &recorder{}
	c := New(testLogger(), rec, rec, nil)

	_, err := c.Grant(context.Background(), 0, 1, commitWith(rec, 0, errors.ErrUnknownHandle))
	assert.ErrorIs(t, err, errors.ErrUnknownHandle)
	assert.False(t, c.Powered())
	assert.Equal(t, []string{"up 0", "bind 0 1", "commit", "unbind 0", "down 0"}, rec.steps)
}

func TestGrantPowerFailure(t *testing.T) {
	rec := &recorder{upErr: errors.NewBackendError("power_up", unix.EIO)}
	c := New(testLogger(), rec, rec, nil)

	_, err := c.Grant(context.Background(), 0, 1, commitWith(rec, 1, nil))
	assert.True(t, errors.IsBackend(err))
	assert.False(t, c.Powered())
	assert.Equal(t, []string{"up 0"}, rec.steps)
}

func TestRevokeKeepsOwnershipWhenUnbindFails(t *testing.T) {
	rec := &recorder{}
	c := New(testLogger(), rec, rec, nil)
	ctx := context.Background()

	_, err := c.Grant(ctx, 0, 1, commitWith(rec, 1, nil))
	require.NoError(t, err)

	rec.unbindErr = errors.NewBackendError("unassign_vm", unix.EIO)
	releases := 0
	release := func() error {
		releases++
		return nil
	}

	released, err := c.Revoke(ctx, 0, release)
	assert.ErrorIs(t, err, unix.EIO)
	assert.False(t, released)
	assert.Equal(t, 0, releases)
	assert.True(t, c.Powered())

	owner, err := rec.QueryOwner(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner)

	rec.unbindErr = nil
	released, err = c.Revoke(ctx, 0, release)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 1, releases)
	assert.False(t, c.Powered())

	assert.Equal(t, []string{"up 0", "bind 0 1", "commit", "unbind 0", "unbind 0", "down 0"}, rec.steps)
}

func TestRevokeDetectsBindingLeftBehind(t *testing.T) {
	rec := &recorder{}
	c := New(testLogger(), rec, rec, nil)
	ctx := context.Background()

	_, err := c.Grant(ctx, 0, 7, commitWith(rec, 1, nil))
	require.NoError(t, err)

	rec.stuck = true
	released, err := c.Revoke(ctx, 0, func() error {
		t.Fatal("released a resource still bound in hardware")
		return nil
	})
	assert.False(t, released)
	assert.True(t, errors.IsBackend(err))
	assert.ErrorContains(t, err, "still assigned to vm 7")
	assert.True(t, c.Powered())
}

func TestRepartition(t *testing.T) {
	rec := &recorder{}

	without := New(testLogger(), rec, nil, nil)
	err := without.Repartition(context.Background(), 1, partition.Profile2s)
	assert.ErrorIs(t, err, errors.ErrNotSupported)
	assert.False(t, without.CanRepartition())

	with := New(testLogger(), rec, nil, rec)
	require.NoError(t, with.Repartition(context.Background(), 1, partition.Profile2s))
	assert.Equal(t, []string{"configure 1 2s"}, rec.steps)
}
