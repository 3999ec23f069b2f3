package dispatch

import (
	"container/heap"
	"context"
	"sync"
)

// requestHeap orders requests by priority, highest first, then by sequence, lowest first.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}

	return h[i].sequence < h[j].sequence
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return r
}

// priorityQueue is a thread safe requestHeap with a blocking Pop.
type priorityQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items requestHeap
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{}
	q.cond = sync.NewCond(&q.mu)

	return q
}

func (q *priorityQueue) Push(r *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.items, r)
	q.cond.Signal()
}

// PushAll adds all requests at once, no Pop can observe only part of them.
func (q *priorityQueue) PushAll(rs []*Request) {
	if len(rs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range rs {
		heap.Push(&q.items, r)
	}

	q.cond.Broadcast()
}

// Pop waits until a request is available or ctx is done.
func (q *priorityQueue) Pop(ctx context.Context) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.cond.Wait()
	}

	return heap.Pop(&q.items).(*Request), nil
}

// TryPop returns the next request without waiting.
func (q *priorityQueue) TryPop() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, false
	}

	return heap.Pop(&q.items).(*Request), true
}

func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}
