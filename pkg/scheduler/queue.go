package scheduler

import (
	"sync"
	"time"

	"github.com/google/btree"

	"vistara-arbiter/pkg/models"
)

const queueDegree = 8

type queued struct {
	seq      uint64
	handle   models.Handle
	enqueued time.Time
}

func lessQueued(a, b queued) bool {
	return a.seq < b.seq
}

// Queue is the pending request queue of one resource. Entries are kept in
// request order and a handle appears at most once.
type Queue struct {
	mu    sync.Mutex
	order *btree.BTreeG[queued]
	index map[models.Handle]queued
	seq   uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order: btree.NewG[queued](queueDegree, lessQueued),
		index: make(map[models.Handle]queued),
	}
}

// Push appends handle. It returns false if handle was already queued, in
// which case its position is unchanged.
func (q *Queue) Push(handle models.Handle, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[handle]; exists {
		return false
	}

	q.seq++
	item := queued{seq: q.seq, handle: handle, enqueued: now}
	q.order.ReplaceOrInsert(item)
	q.index[handle] = item

	return true
}

// Remove drops handle from the queue and reports whether it was queued.
func (q *Queue) Remove(handle models.Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.index[handle]
	if !exists {
		return false
	}

	q.order.Delete(item)
	delete(q.index, handle)

	return true
}

// Len returns the number of queued handles.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.order.Len()
}

// Entry is a queued handle with the time it was queued.
type Entry struct {
	Handle   models.Handle
	Enqueued time.Time
}

// Entries returns the queue content in request order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, q.order.Len())
	q.order.Ascend(func(item queued) bool {
		out = append(out, Entry{Handle: item.handle, Enqueued: item.enqueued})
		return true
	})

	return out
}

// Handles returns the queued handles in request order.
func (q *Queue) Handles() []models.Handle {
	entries := q.Entries()
	out := make([]models.Handle, len(entries))
	for i, e := range entries {
		out[i] = e.Handle
	}

	return out
}
