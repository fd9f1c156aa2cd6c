package controller

import (
	"container/list"
	"sync"

	"github.com/srand/slicer/pkg/protocol"
)

// SliceQueue is a FIFO of slices waiting for a worker.
type SliceQueue struct {
	mu     sync.Mutex
	slices *list.List
	signal chan struct{}
}

func NewSliceQueue() *SliceQueue {
	return &SliceQueue{
		slices: list.New(),
		signal: make(chan struct{}, 1),
	}
}

func (q *SliceQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *SliceQueue) Enqueue(slice *protocol.Slice) {
	q.mu.Lock()
	q.slices.PushBack(slice)
	q.mu.Unlock()
	q.notify()
}

// Put a slice back at the head of the queue.
func (q *SliceQueue) RequeueFront(slice *protocol.Slice) {
	q.mu.Lock()
	q.slices.PushFront(slice)
	q.mu.Unlock()
	q.notify()
}

func (q *SliceQueue) Dequeue() (*protocol.Slice, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.slices.Front()
	if front == nil {
		return nil, false
	}
	return q.slices.Remove(front).(*protocol.Slice), true
}

func (q *SliceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.slices.Len()
}

// Queued slices, head first.
func (q *SliceQueue) Slices() []*protocol.Slice {
	q.mu.Lock()
	defer q.mu.Unlock()

	slices := make([]*protocol.Slice, 0, q.slices.Len())
	for e := q.slices.Front(); e != nil; e = e.Next() {
		slices = append(slices, e.Value.(*protocol.Slice))
	}
	return slices
}

// Signaled when a slice is added.
func (q *SliceQueue) Signal() <-chan struct{} {
	return q.signal
}
