package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/analytics"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
)

// Execution analytics counters.
const (
	StatWorkersAvailable    = "workers_available"
	StatWorkersActive       = "workers_active"
	StatWorkersJoined       = "workers_joined"
	StatWorkersReconnected  = "workers_reconnected"
	StatWorkersDisconnected = "workers_disconnected"
	StatFailed              = "failed"
	StatProcessed           = "processed"
	StatQueued              = "queued"
	StatSubslices           = "subslices"
	StatSliceRangeExpansion = "slice_range_expansion"
	StatSubsliceByKey       = "subslice_by_key"
	StatSlicers             = "slicers"
)

var allStats = []string{
	StatWorkersAvailable,
	StatWorkersActive,
	StatWorkersJoined,
	StatWorkersReconnected,
	StatWorkersDisconnected,
	StatFailed,
	StatProcessed,
	StatQueued,
	StatSubslices,
	StatSliceRangeExpansion,
	StatSubsliceByKey,
	StatSlicers,
}

// Fields sent upstream as deltas.
var pushedStats = []string{
	StatProcessed,
	StatFailed,
	StatQueued,
	StatWorkersJoined,
	StatWorkersReconnected,
	StatWorkersDisconnected,
	StatSubslices,
	StatSliceRangeExpansion,
}

// Payload of slicer:subslice.
type Subslice struct {
	SlicerID int `json:"slicer_id"`
	Count    int `json:"count"`
}

// ExecutionAnalytics holds the counters of one execution and pushes
// their increments to a reporter.
type ExecutionAnalytics struct {
	mu       sync.Mutex
	exID     string
	stats    map[string]int64
	pushed   map[string]int64
	reporter analytics.Reporter
	rate     time.Duration
	log      log.Logger
	unsub    []func()
	stop     chan struct{}
	once     sync.Once
}

func NewExecutionAnalytics(exID string, reporter analytics.Reporter, rate time.Duration, logger log.Logger) *ExecutionAnalytics {
	if logger == nil {
		logger = log.Default()
	}
	a := &ExecutionAnalytics{
		exID:     exID,
		reporter: reporter,
		rate:     rate,
		log:      logger,
		stop:     make(chan struct{}),
	}
	a.Reset()
	return a
}

// Zero all counters and the push snapshot.
func (a *ExecutionAnalytics) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats = make(map[string]int64, len(allStats))
	a.pushed = make(map[string]int64, len(pushedStats))
	for _, field := range allStats {
		a.stats[field] = 0
	}
}

// Count domain events emitted on the bus.
func (a *ExecutionAnalytics) Subscribe(bus *events.Bus) {
	a.unsub = append(a.unsub,
		bus.On(protocol.EventSliceSuccess, func(events.Event) {
			a.Increment(StatProcessed, 1)
		}),
		bus.On(protocol.EventSliceFailure, func(events.Event) {
			a.Increment(StatProcessed, 1)
			a.Increment(StatFailed, 1)
		}),
		bus.On(protocol.EventSlicerSubslice, func(e events.Event) {
			a.Increment(StatSubsliceByKey, 1)
			if sub, ok := e.Payload.(*Subslice); ok {
				a.Increment(StatSubslices, int64(sub.Count))
			}
		}),
		bus.On(protocol.EventSlicerRangeExpanded, func(events.Event) {
			a.Increment(StatSliceRangeExpansion, 1)
		}),
	)
}

func (a *ExecutionAnalytics) Increment(field string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats[field] += n
}

func (a *ExecutionAnalytics) Set(field string, value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats[field] = value
}

func (a *ExecutionAnalytics) Get(field string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats[field]
}

// Copy of all counters.
func (a *ExecutionAnalytics) Snapshot() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string]int64, len(a.stats))
	for field, value := range a.stats {
		snapshot[field] = value
	}
	return snapshot
}

// Increments of the pushed fields since the previous call.
// The push snapshot is advanced.
func (a *ExecutionAnalytics) delta() analytics.Delta {
	a.mu.Lock()
	defer a.mu.Unlock()

	delta := analytics.Delta{}
	for _, field := range pushedStats {
		if diff := a.stats[field] - a.pushed[field]; diff != 0 {
			delta[field] = diff
		}
		a.pushed[field] = a.stats[field]
	}
	return delta
}

// Send the increments since the previous push to the reporter.
func (a *ExecutionAnalytics) Push(ctx context.Context) error {
	delta := a.delta()
	if delta.IsZero() || a.reporter == nil {
		return nil
	}
	return a.reporter.Push(ctx, a.exID, delta)
}

// Push periodically until Shutdown is called or the context is cancelled.
func (a *ExecutionAnalytics) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Push(ctx); err != nil {
				a.log.Warnf("Failed to push analytics: %v", err)
			}
		case <-a.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop the periodic push and do a final one.
func (a *ExecutionAnalytics) Shutdown(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		close(a.stop)
		for _, unsub := range a.unsub {
			unsub()
		}
		err = a.Push(ctx)
	})
	return err
}

// Counter names, sorted.
func StatNames() []string {
	names := append([]string{}, allStats...)
	sort.Strings(names)
	return names
}
