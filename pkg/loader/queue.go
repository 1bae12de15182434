package loader

import (
	"sync"
	"time"

	"github.com/orneryd/assetcore/pkg/asset"
)

// tier indexes the three request queues.
type tier int

const (
	tierHigh tier = iota
	tierNormal
	tierLow
	numTiers
)

func tierFor(p asset.Priority) tier {
	switch p {
	case asset.PriorityCritical, asset.PriorityHigh:
		return tierHigh
	case asset.PriorityLow:
		return tierLow
	default:
		return tierNormal
	}
}

// request is one queued asynchronous load. The asset is already claimed
// (state loading) when it is queued.
type request struct {
	id       asset.ID
	priority asset.Priority
	queued   time.Time
}

// RequestQueue holds pending load requests in three FIFO tiers. Pop always
// exhausts a higher tier before touching a lower one.
type RequestQueue struct {
	mu       sync.Mutex
	tiers    [numTiers][]request
	size     int
	capacity int

	// ready carries at most one wake-up token for idle workers.
	ready chan struct{}
}

// NewRequestQueue returns a queue holding at most capacity requests
// (0 = unbounded).
func NewRequestQueue(capacity int) *RequestQueue {
	return &RequestQueue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push appends r to its tier. It returns false when the queue is full.
func (q *RequestQueue) Push(r request) bool {
	q.mu.Lock()
	if q.capacity > 0 && q.size >= q.capacity {
		q.mu.Unlock()
		return false
	}
	t := tierFor(r.priority)
	q.tiers[t] = append(q.tiers[t], r)
	q.size++
	q.mu.Unlock()

	q.wake()
	return true
}

// Pop removes the oldest request of the highest non-empty tier.
func (q *RequestQueue) Pop() (request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for t := range q.tiers {
		if len(q.tiers[t]) == 0 {
			continue
		}
		r := q.tiers[t][0]
		q.tiers[t][0] = request{}
		q.tiers[t] = q.tiers[t][1:]
		q.size--
		if q.size > 0 {
			q.wake()
		}
		return r, true
	}
	return request{}, false
}

// Remove takes id out of the queue. It reports whether id was queued.
func (q *RequestQueue) Remove(id asset.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for t := range q.tiers {
		for i, r := range q.tiers[t] {
			if r.id == id {
				q.tiers[t] = append(q.tiers[t][:i], q.tiers[t][i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Lens returns the per-tier lengths (high, normal, low).
func (q *RequestQueue) Lens() (high, normal, low int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[tierHigh]), len(q.tiers[tierNormal]), len(q.tiers[tierLow])
}

// Ready returns a channel that receives when requests may be available.
func (q *RequestQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *RequestQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
