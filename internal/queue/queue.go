package queue

import (
	"container/heap"
	"sync"
	"time"

	"lottonotify/internal/model"
	"lottonotify/pkg/metrics"
)

// Queue is the priority-ordered holding area for outbound messages.
// Ordering: priority descending (urgent > high > normal > low), FIFO
// within a priority class, so bounded arrival rates never starve low
// priority work behind same-class messages.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
	byID  map[string]*item
}

type item struct {
	msg   *model.Message
	seq   uint64
	index int // heap index, -1 once removed
}

func New() *Queue {
	return &Queue{byID: make(map[string]*item)}
}

// Enqueue adds a message and marks it queued.
func (q *Queue) Enqueue(msg *model.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg.Status = model.StatusQueued
	q.seq++
	it := &item{msg: msg, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[msg.ID] = it
	metrics.QueueDepth.Set(float64(q.items.Len()))
}

// DequeueNext removes and returns the highest-priority message, or nil
// when the queue is empty. The next dequeue always picks the highest
// non-empty priority class.
func (q *Queue) DequeueNext() *model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byID, it.msg.ID)
	metrics.QueueDepth.Set(float64(q.items.Len()))
	return it.msg
}

// EnqueueAfter re-inserts a message after the given delay. Used by
// workers when an admission gate denies — the message must not be
// dropped, and must not busy-loop either.
func (q *Queue) EnqueueAfter(msg *model.Message, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Enqueue(msg)
	})
}

// Cancel removes a message that is still queued. Returns false when the
// message is unknown or already owned by a worker — no preemption after
// dequeue.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	metrics.QueueDepth.Set(float64(q.items.Len()))
	return true
}

// Len returns the number of waiting messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
