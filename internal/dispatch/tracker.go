package dispatch

import "sync"

// Track admitted requests and the sequence for new requests
type requestTracker struct {
	sync.Mutex

	sequence uint64
	active   map[*Request]struct{}
}

func makeRequestTracker() *requestTracker {
	return &requestTracker{
		sequence: 0,
		active:   make(map[*Request]struct{}),
	}
}

// admitLocked assigns the next sequence to r and marks it active, the tracker must be locked.
// Sequences are handed out under the lock, so requests reach the queues in sequence order.
func (t *requestTracker) admitLocked(r *Request) uint64 {
	t.sequence++
	r.sequence = t.sequence
	t.active[r] = struct{}{}

	return t.sequence
}

func (t *requestTracker) requestDone(r *Request) {
	t.Lock()
	defer t.Unlock()

	delete(t.active, r)
}

func (t *requestTracker) count() uint64 {
	t.Lock()
	defer t.Unlock()

	return t.sequence
}

func (t *requestTracker) activeCount() int {
	t.Lock()
	defer t.Unlock()

	return len(t.active)
}
