package controller

import (
	"sync"

	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/log"
)

// Events emitted on the domain bus by the worker registry.
const (
	EventWorkerEnqueued = "worker:enqueued"
	EventWorkerDequeued = "worker:dequeued"
	EventWorkerRemoved  = "worker:removed"
)

// WorkerRegistry tracks idle workers in the order they became ready.
type WorkerRegistry struct {
	mu        sync.Mutex
	idle      []string
	bus       *events.Bus
	connected func() int
	signal    chan struct{}
	log       log.Logger
}

// Create a registry. The connected callback reports the number of
// currently connected workers and is used to compute ActiveCount.
func NewWorkerRegistry(bus *events.Bus, connected func() int, logger log.Logger) *WorkerRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &WorkerRegistry{
		bus:       bus,
		connected: connected,
		signal:    make(chan struct{}, 1),
		log:       logger,
	}
}

func (r *WorkerRegistry) indexOf(id string) int {
	for i, idle := range r.idle {
		if idle == id {
			return i
		}
	}
	return -1
}

// Mark a worker idle. Returns false if it already was.
func (r *WorkerRegistry) Enqueue(id string) bool {
	r.mu.Lock()
	if r.indexOf(id) >= 0 {
		r.mu.Unlock()
		return false
	}
	r.idle = append(r.idle, id)
	r.mu.Unlock()

	r.log.Tracef("Worker %s is idle", id)
	r.bus.Emit(EventWorkerEnqueued, id, id)

	select {
	case r.signal <- struct{}{}:
	default:
	}
	return true
}

// Take an idle worker out of the pool. The preferred worker is returned
// if it is idle, otherwise the worker that has been idle the longest.
func (r *WorkerRegistry) Dequeue(preferred string) (string, bool) {
	r.mu.Lock()
	if len(r.idle) == 0 {
		r.mu.Unlock()
		return "", false
	}

	index := 0
	if preferred != "" {
		if i := r.indexOf(preferred); i >= 0 {
			index = i
		}
	}

	id := r.idle[index]
	r.idle = append(r.idle[:index:index], r.idle[index+1:]...)
	r.mu.Unlock()

	r.bus.Emit(EventWorkerDequeued, id, id)
	return id, true
}

// Forget a worker, e.g. on disconnect.
// Both the removed and dequeued events are always emitted.
func (r *WorkerRegistry) Remove(id string) {
	r.mu.Lock()
	if i := r.indexOf(id); i >= 0 {
		r.idle = append(r.idle[:i:i], r.idle[i+1:]...)
	}
	r.mu.Unlock()

	r.bus.Emit(EventWorkerRemoved, id, id)
	r.bus.Emit(EventWorkerDequeued, id, id)
}

// Ids of the idle workers, longest idle first.
func (r *WorkerRegistry) Idle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.idle...)
}

func (r *WorkerRegistry) AvailableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.idle)
}

// Number of connected workers that are not idle.
func (r *WorkerRegistry) ActiveCount() int {
	active := r.connected() - r.AvailableCount()
	if active < 0 {
		return 0
	}
	return active
}

// Signaled when a worker becomes idle.
func (r *WorkerRegistry) Signal() <-chan struct{} {
	return r.signal
}
