package controller

import (
	"sort"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/protocol"
)

// A slice that has been handed to a worker and not yet reported back.
type Assignment struct {
	Slice        *protocol.Slice `json:"slice"`
	WorkerID     string          `json:"worker_id"`
	DispatchedAt time.Time       `json:"dispatched_at"`
}

type inflight struct {
	mu          sync.Mutex
	assignments map[string]*Assignment
}

func newInflight() *inflight {
	return &inflight{assignments: map[string]*Assignment{}}
}

func (f *inflight) add(slice *protocol.Slice, workerID string) *Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()

	a := &Assignment{Slice: slice, WorkerID: workerID, DispatchedAt: time.Now()}
	f.assignments[slice.SliceID] = a
	return a
}

func (f *inflight) get(sliceID string) (*Assignment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[sliceID]
	return a, ok
}

// Remove the assignment of a slice if it is held by workerID.
// An empty workerID matches any worker.
func (f *inflight) remove(sliceID, workerID string) (*Assignment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.assignments[sliceID]
	if !ok || (workerID != "" && a.WorkerID != workerID) {
		return nil, false
	}
	delete(f.assignments, sliceID)
	return a, true
}

func (f *inflight) byWorker(workerID string) []*Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()

	var list []*Assignment
	for _, a := range f.assignments {
		if a.WorkerID == workerID {
			list = append(list, a)
		}
	}
	return list
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assignments)
}

// Assignments ordered by dispatch time.
func (f *inflight) list() []*Assignment {
	f.mu.Lock()
	list := make([]*Assignment, 0, len(f.assignments))
	for _, a := range f.assignments {
		list = append(list, a)
	}
	f.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].DispatchedAt.Before(list[j].DispatchedAt)
	})
	return list
}
