package hotreload

import (
	"container/heap"
	"time"

	"github.com/orneryd/assetcore/pkg/asset"
)

// entry is one pending reload. There is at most one entry per asset.
type entry struct {
	id       asset.ID
	path     string
	priority asset.Priority
	queuedAt time.Time
	retries  int
	seq      uint64
	index    int
}

// entryHeap orders entries by queue time so due entries can be popped
// without scanning.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].queuedAt.Equal(h[j].queuedAt) {
		return h[i].queuedAt.Before(h[j].queuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// reloadQueue is the debounce queue. It is not safe for concurrent use.
type reloadQueue struct {
	heap  entryHeap
	byID  map[asset.ID]*entry
	nextS uint64
}

func newReloadQueue() *reloadQueue {
	return &reloadQueue{byID: make(map[asset.ID]*entry)}
}

// upsert queues id, or refreshes its existing entry. It reports whether an
// existing entry was replaced.
func (q *reloadQueue) upsert(id asset.ID, path string, prio asset.Priority, now time.Time) bool {
	q.nextS++
	if e, ok := q.byID[id]; ok {
		e.path = path
		e.priority = prio
		e.queuedAt = now
		e.retries = 0
		e.seq = q.nextS
		heap.Fix(&q.heap, e.index)
		return true
	}
	e := &entry{id: id, path: path, priority: prio, queuedAt: now, seq: q.nextS}
	heap.Push(&q.heap, e)
	q.byID[id] = e
	return false
}

// requeue puts e back after a failed attempt.
func (q *reloadQueue) requeue(e *entry, at time.Time) {
	if _, ok := q.byID[e.id]; ok {
		// A newer change arrived while e was being dispatched.
		return
	}
	q.nextS++
	e.queuedAt = at
	e.seq = q.nextS
	heap.Push(&q.heap, e)
	q.byID[e.id] = e
}

// popDue removes every entry queued at or before cutoff.
func (q *reloadQueue) popDue(cutoff time.Time) []*entry {
	var due []*entry
	for q.heap.Len() > 0 && !q.heap[0].queuedAt.After(cutoff) {
		e := heap.Pop(&q.heap).(*entry)
		delete(q.byID, e.id)
		due = append(due, e)
	}
	return due
}

func (q *reloadQueue) remove(id asset.ID) {
	if e, ok := q.byID[id]; ok {
		heap.Remove(&q.heap, e.index)
		delete(q.byID, id)
	}
}

func (q *reloadQueue) len() int {
	return q.heap.Len()
}
