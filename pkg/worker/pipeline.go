package worker

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/ops"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/utils"
)

// Payload of the slice events emitted by the pipeline.
type SliceEvent struct {
	Slice *protocol.Slice

	// Attempt number, starting at 1.
	Attempt int

	// Output of the last operation, on success.
	Result interface{}

	Err error
}

type PipelineOptions struct {
	Job        *job.Config
	Operations []ops.Operation
	Store      store.SliceStore

	// Slice analytics are persisted here when the job has analytics enabled.
	Analytics store.AnalyticsStore

	// Local bus receiving slice:retry, slice:success, slice:failure and slice:finalize.
	Bus    *events.Bus
	Logger log.Logger
}

// Pipeline runs the operation chain of a job for one slice at a time.
type Pipeline struct {
	job        *job.Config
	operations []ops.Operation
	store      store.SliceStore
	analytics  store.AnalyticsStore
	bus        *events.Bus
	log        log.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Pipeline{
		job:        opts.Job,
		operations: opts.Operations,
		store:      opts.Store,
		analytics:  opts.Analytics,
		bus:        opts.Bus,
		log:        opts.Logger,
	}
}

func (p *Pipeline) Bus() *events.Bus {
	return p.bus
}

// Run the slice and persist its terminal state.
//
// Slices already in a terminal state are rejected with utils.ErrAlreadyProcessed
// without running anything. Otherwise the whole chain is attempted up to the
// configured number of times. The returned analytics belong to the last attempt
// and are nil unless the job collects analytics.
func (p *Pipeline) Run(ctx context.Context, slice *protocol.Slice) (interface{}, *protocol.SliceAnalytics, error) {
	record, err := p.store.GetState(ctx, p.job.ExID, slice.SliceID)
	switch {
	case err == nil && record.State.IsTerminal():
		return nil, nil, utils.Wrap(utils.ErrAlreadyProcessed, "slice %s is %s", slice.SliceID, record.State)
	case err != nil && !errors.Is(err, utils.ErrNotFound):
		return nil, nil, utils.Wrap(err, "failed to read state of slice %s", slice.SliceID)
	}

	var (
		result  interface{}
		stats   *protocol.SliceAnalytics
		attempt int
	)

	defer func() {
		p.bus.Emit(protocol.EventSliceFinalize, slice.SliceID, &SliceEvent{Slice: slice, Attempt: attempt, Result: result, Err: err})
		if stats != nil && p.analytics != nil {
			if err := p.analytics.SaveSliceAnalytics(context.WithoutCancel(ctx), p.job.ExID, slice.SliceID, stats); err != nil {
				p.log.Warnf("Failed to save analytics of slice %s: %v", slice.SliceID, err)
			}
		}
	}()

	attempts := p.job.Attempts()
	for attempt = 1; ; attempt++ {
		result, stats, err = p.runOnce(ctx, slice)
		if err == nil {
			break
		}
		if attempts > 0 && attempt >= attempts {
			break
		}
		if ctx.Err() != nil {
			break
		}

		p.log.Warnf("Slice %s failed (attempt %d), retrying: %v", slice.SliceID, attempt, err)
		p.bus.Emit(protocol.EventSliceRetry, slice.SliceID, &SliceEvent{Slice: slice, Attempt: attempt, Err: err})

		select {
		case <-time.After(p.job.RetryInterval):
		case <-ctx.Done():
		}
	}

	// Terminal state is written even if the caller gave up on us.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		if serr := p.store.UpdateState(persistCtx, p.job.ExID, slice, protocol.SliceError, utils.ErrorSummary(err)); serr != nil {
			p.log.Errorf("Failed to persist error state of slice %s: %v", slice.SliceID, serr)
		}
		p.bus.Emit(protocol.EventSliceFailure, slice.SliceID, &SliceEvent{Slice: slice, Attempt: attempt, Err: err})
		err = utils.Wrap(err, "slice %s failed after %d attempts", slice.SliceID, attempt)
		return nil, stats, err
	}

	if serr := p.store.UpdateState(persistCtx, p.job.ExID, slice, protocol.SliceCompleted, ""); serr != nil {
		err = utils.Wrap(serr, "failed to persist state of slice %s", slice.SliceID)
		return nil, stats, err
	}
	p.bus.Emit(protocol.EventSliceSuccess, slice.SliceID, &SliceEvent{Slice: slice, Attempt: attempt, Result: result})
	return result, stats, nil
}

// One pass over the operation chain, the reader gets the slice request.
func (p *Pipeline) runOnce(ctx context.Context, slice *protocol.Slice) (interface{}, *protocol.SliceAnalytics, error) {
	opCtx := &ops.Context{
		ExID:    p.job.ExID,
		SliceID: slice.SliceID,
		Logger:  p.log.With("slice_id", slice.SliceID),
		Request: slice.Request,
	}

	var stats *protocol.SliceAnalytics
	if p.job.Analytics {
		stats = &protocol.SliceAnalytics{}
	}

	var input interface{} = slice.Request
	for i, op := range p.operations {
		var before runtime.MemStats
		start := time.Now()
		if stats != nil {
			runtime.ReadMemStats(&before)
		}

		output, err := op(ctx, opCtx, input)
		if err != nil {
			return nil, stats, utils.Wrap(err, "operation %d failed", i)
		}

		if stats != nil {
			var after runtime.MemStats
			runtime.ReadMemStats(&after)
			stats.Time = append(stats.Time, time.Since(start).Milliseconds())
			stats.Size = append(stats.Size, ops.SizeOf(output))
			stats.Memory = append(stats.Memory, int64(after.HeapAlloc)-int64(before.HeapAlloc))
		}

		input = output
	}

	if stats != nil {
		p.log.Tracef("Slice %s done, peak rss %s", slice.SliceID, utils.HumanByteSize(utils.PeakRSS()))
	}

	return input, stats, nil
}
