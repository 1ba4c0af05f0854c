package leaselock

import (
	"container/heap"
	"sync"
	"time"
)

// leaseEntry is a lease awaiting renewal. deadline is when the renewal is due,
// SafetyMargin ahead of the backend-side expiry.
type leaseEntry struct {
	key      string
	token    string
	deadline time.Time
	index    int
}

// leaseHeap orders entries by deadline. It implements heap.Interface.
type leaseHeap []*leaseEntry

func (h leaseHeap) Len() int { return len(h) }

func (h leaseHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h leaseHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *leaseHeap) Push(x any) {
	e := x.(*leaseEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *leaseHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]

	return e
}

// leaseRegistry is the time-ordered queue shared between lock holders, which
// insert and forget leases, and the watchdog, which pops due ones. Entries are
// indexed by token, the identity of one acquisition.
//
// A popped entry stays known to the registry until the watchdog requeues or
// drops it, so a lease released mid-renewal is not queued again.
type leaseRegistry struct {
	mu       sync.Mutex
	entries  leaseHeap
	byToken  map[string]*leaseEntry
	renewing map[string]struct{}
	// wake has capacity one; a pending value means the head may have changed.
	wake chan struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{
		byToken:  make(map[string]*leaseEntry),
		renewing: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// insert adds e and wakes the watchdog when e became the earliest entry.
func (r *leaseRegistry) insert(e *leaseEntry) {
	r.mu.Lock()
	head := r.push(e)
	r.mu.Unlock()

	if head {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// requeue adds e back after a renewal. The watchdog is the caller, so there is
// nobody to wake. It reports false if the lease was forgotten meanwhile.
func (r *leaseRegistry) requeue(e *leaseEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.renewing[e.token]; !ok {
		return false
	}
	delete(r.renewing, e.token)
	r.push(e)

	return true
}

// drop forgets a popped entry whose renewal failed. It reports false if the
// lease was forgotten meanwhile.
func (r *leaseRegistry) drop(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.renewing[token]
	delete(r.renewing, token)

	return ok
}

// push must be called with r.mu held.
func (r *leaseRegistry) push(e *leaseEntry) bool {
	if old, ok := r.byToken[e.token]; ok {
		old.deadline = e.deadline
		heap.Fix(&r.entries, old.index)

		return old.index == 0
	}

	heap.Push(&r.entries, e)
	r.byToken[e.token] = e

	return e.index == 0
}

// remove forgets the lease of token and reports whether it was known.
func (r *leaseRegistry) remove(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.renewing[token]; ok {
		delete(r.renewing, token)

		return true
	}

	e, ok := r.byToken[token]
	if !ok {
		return false
	}

	heap.Remove(&r.entries, e.index)
	delete(r.byToken, token)

	return true
}

// next returns the earliest deadline.
func (r *leaseRegistry) next() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return time.Time{}, false
	}

	return r.entries[0].deadline, true
}

// popDue removes and returns the earliest entry if its deadline is not after now.
func (r *leaseRegistry) popDue(now time.Time) (*leaseEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 || r.entries[0].deadline.After(now) {
		return nil, false
	}

	e := heap.Pop(&r.entries).(*leaseEntry)
	delete(r.byToken, e.token)
	r.renewing[e.token] = struct{}{}

	return e, true
}

// len returns the number of queued entries, not counting one being renewed.
func (r *leaseRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
