package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/ports"
)

func TestQueueOrderAndDedup(t *testing.T) {
	q := NewQueue()
	now := time.Unix(100, 0)

	assert.True(t, q.Push(3, now))
	assert.True(t, q.Push(1, now))
	assert.True(t, q.Push(2, now))
	assert.False(t, q.Push(3, now.Add(time.Second)))

	assert.Equal(t, []models.Handle{3, 1, 2}, q.Handles())
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, now, q.Entries()[0].Enqueued)
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	q.Push(1, now)
	q.Push(2, now)
	q.Push(3, now)

	assert.True(t, q.Remove(2))
	assert.False(t, q.Remove(2))
	assert.Equal(t, []models.Handle{1, 3}, q.Handles())

	// A removed handle goes to the back when pushed again.
	q.Push(2, now)
	assert.Equal(t, []models.Handle{1, 3, 2}, q.Handles())
}

func TestFIFOPolicyNext(t *testing.T) {
	p := FIFOPolicy{}

	_, ok := p.Next(nil)
	assert.False(t, ok)

	h, ok := p.Next([]ports.Candidate{{Handle: 4}, {Handle: 2, Activity: models.ActivityActive}})
	require.True(t, ok)
	assert.Equal(t, models.Handle(4), h)
}

func TestActivityPolicyNext(t *testing.T) {
	p := ActivityPolicy{}

	h, ok := p.Next([]ports.Candidate{{Handle: 4}, {Handle: 2, Activity: models.ActivityActive}})
	require.True(t, ok)
	assert.Equal(t, models.Handle(2), h)

	h, ok = p.Next([]ports.Candidate{{Handle: 4}, {Handle: 2}})
	require.True(t, ok)
	assert.Equal(t, models.Handle(4), h)
}

func TestShouldPreempt(t *testing.T) {
	slice := 10 * time.Millisecond

	tests := []struct {
		name      string
		owner     ports.OwnerInfo
		waiting   int
		slice     time.Duration
		minHold   time.Duration
		preempt   bool
		recheckIn time.Duration
	}{
		{
			name:    "nobody waiting",
			owner:   ports.OwnerInfo{Activity: models.ActivityIdle},
			slice:   slice,
			preempt: false,
		},
		{
			name:    "idle owner",
			owner:   ports.OwnerInfo{Activity: models.ActivityIdle},
			waiting: 1,
			slice:   slice,
			preempt: true,
		},
		{
			name:      "fresh idle owner",
			owner:     ports.OwnerInfo{Activity: models.ActivityIdle, HeldFor: time.Millisecond},
			waiting:   1,
			slice:     slice,
			minHold:   3 * time.Millisecond,
			recheckIn: 2 * time.Millisecond,
		},
		{
			name:    "idle owner past min hold",
			owner:   ports.OwnerInfo{Activity: models.ActivityIdle, HeldFor: 3 * time.Millisecond},
			waiting: 1,
			slice:   slice,
			minHold: 3 * time.Millisecond,
			preempt: true,
		},
		{
			name:      "min hold does not shorten the slice",
			owner:     ports.OwnerInfo{Activity: models.ActivityActive, HeldFor: 4 * time.Millisecond},
			waiting:   1,
			slice:     slice,
			minHold:   time.Hour,
			recheckIn: 6 * time.Millisecond,
		},
		{
			name:      "active owner inside slice",
			owner:     ports.OwnerInfo{Activity: models.ActivityActive, HeldFor: 4 * time.Millisecond},
			waiting:   1,
			slice:     slice,
			recheckIn: 6 * time.Millisecond,
		},
		{
			name:    "active owner past slice",
			owner:   ports.OwnerInfo{Activity: models.ActivityActive, HeldFor: slice},
			waiting: 2,
			slice:   slice,
			preempt: true,
		},
		{
			name:    "no timeslice",
			owner:   ports.OwnerInfo{Activity: models.ActivityActive, HeldFor: time.Hour},
			waiting: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preempt, after := FIFOPolicy{Timeslice: tt.slice, MinHold: tt.minHold}.ShouldPreempt(tt.owner, tt.waiting)
			assert.Equal(t, tt.preempt, preempt)
			assert.Equal(t, tt.recheckIn, after)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, ok := ParsePolicy("activity", time.Millisecond, 2*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, ActivityPolicy{Timeslice: time.Millisecond, MinHold: 2 * time.Millisecond}, p)

	p, ok = ParsePolicy("", 0, 0)
	require.True(t, ok)
	assert.Equal(t, FIFOPolicy{}, p)

	_, ok = ParsePolicy("lottery", 0, 0)
	assert.False(t, ok)
}
