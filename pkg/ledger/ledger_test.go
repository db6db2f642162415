package ledger

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vistara-arbiter/pkg/errors"
	"vistara-arbiter/pkg/models"
)

func TestTryAcquireBusy(t *testing.T) {
	l := New([]models.ResourceID{0})

	first, err := l.TryAcquire(0, 10, 1)
	require.NoError(t, err)
	assert.True(t, first.Granted)
	assert.Equal(t, models.Generation(1), first.Generation)

	second, err := l.TryAcquire(0, 11, 2)
	require.NoError(t, err)
	assert.False(t, second.Granted)
	assert.Equal(t, models.VMID(10), second.Owner.VM)
	assert.Equal(t, models.Generation(1), second.Generation)
}

func TestTryAcquireUnknownResource(t *testing.T) {
	l := New([]models.ResourceID{0})

	_, err := l.TryAcquire(3, 10, 1)
	assert.ErrorIs(t, err, errors.ErrUnknownResource)
}

func TestTryAcquireInvalidHandle(t *testing.T) {
	l := New([]models.ResourceID{0})

	_, err := l.TryAcquire(0, 10, models.InvalidHandle)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	l := New([]models.ResourceID{0})

	const callers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)

	for i := 1; i <= callers; i++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			g, err := l.TryAcquire(0, models.VMID(h), models.Handle(h))
			if err != nil || !g.Granted {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, l.OwnedCount())
}

func TestReleaseStaleGeneration(t *testing.T) {
	l := New([]models.ResourceID{0})

	g, err := l.TryAcquire(0, 10, 1)
	require.NoError(t, err)

	res, err := l.Release(0, 1, g.Generation+1)
	require.NoError(t, err)
	assert.Equal(t, Stale, res)

	res, err = l.Release(0, 2, g.Generation)
	require.NoError(t, err)
	assert.Equal(t, Stale, res)

	res, err = l.Release(0, 1, g.Generation)
	require.NoError(t, err)
	assert.Equal(t, Released, res)

	owner, gen, err := l.Owner(0)
	require.NoError(t, err)
	assert.Equal(t, models.Unassigned, owner)
	assert.Equal(t, models.Generation(2), gen)
}

func TestInvalidateMakesLateReleaseStale(t *testing.T) {
	l := New([]models.ResourceID{0})

	a, err := l.TryAcquire(0, 10, 1)
	require.NoError(t, err)

	newGen, res, err := l.Invalidate(0, 1, a.Generation)
	require.NoError(t, err)
	assert.Equal(t, Released, res)
	assert.Equal(t, a.Generation+1, newGen)

	// The revoked VM still holds the resource until the final release.
	busy, err := l.TryAcquire(0, 11, 2)
	require.NoError(t, err)
	assert.False(t, busy.Granted)

	late, err := l.Release(0, 1, a.Generation)
	require.NoError(t, err)
	assert.Equal(t, Stale, late)

	res, err = l.Release(0, 1, newGen)
	require.NoError(t, err)
	assert.Equal(t, Released, res)

	b, err := l.TryAcquire(0, 11, 2)
	require.NoError(t, err)
	assert.True(t, b.Granted)

	// A release from the lost VM after the new grant leaves B untouched.
	res, err = l.Release(0, 1, newGen)
	require.NoError(t, err)
	assert.Equal(t, Stale, res)

	owner, _, err := l.Owner(0)
	require.NoError(t, err)
	assert.Equal(t, models.VMID(11), owner.VM)
}

func TestInvalidateStale(t *testing.T) {
	l := New([]models.ResourceID{0})

	_, res, err := l.Invalidate(0, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, Stale, res)
}

func TestSnapshot(t *testing.T) {
	l := New([]models.ResourceID{2, 0, 1})

	_, err := l.TryAcquire(1, 7, 3)
	require.NoError(t, err)
	g, err := l.TryAcquire(2, 8, 4)
	require.NoError(t, err)
	_, _, err = l.Invalidate(2, 4, g.Generation)
	require.NoError(t, err)

	want := []Entry{
		{Resource: 0},
		{Resource: 1, Owner: models.Owner{VM: 7, Handle: 3, Assigned: true}, Generation: 1},
		{Resource: 2, Owner: models.Owner{VM: 8, Handle: 4, Assigned: true}, Generation: 2, Revoked: true},
	}
	if diff := cmp.Diff(want, l.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []models.ResourceID{1}, l.OwnedBy(3))
	assert.Equal(t, 2, l.OwnedCount())
}
