package sim

import (
	"container/heap"
	"sync"
)

// eventQueue orders events by time. Events of the same time keep the order
// in which they were pushed.
type eventQueue struct {
	lock    sync.Mutex
	entries eventHeap
	nextSeq uint64
}

func newEventQueue() *eventQueue {
	return &eventQueue{}
}

func (q *eventQueue) Push(evt Event) {
	q.lock.Lock()
	heap.Push(&q.entries, queuedEvent{evt: evt, seq: q.nextSeq})
	q.nextSeq++
	q.lock.Unlock()
}

// Pop removes and returns the earliest event. It returns nil when the queue
// is empty.
func (q *eventQueue) Pop() Event {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	return heap.Pop(&q.entries).(queuedEvent).evt
}

// Peek returns the earliest event without removing it, or nil.
func (q *eventQueue) Peek() Event {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.entries) == 0 {
		return nil
	}

	return q.entries[0].evt
}

func (q *eventQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.entries)
}

type queuedEvent struct {
	evt Event
	seq uint64
}

type eventHeap []queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ti, tj := h[i].evt.Time(), h[j].evt.Time()
	if ti != tj {
		return ti < tj
	}

	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(queuedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]

	return e
}
