package ops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/protocol"
)

type rangeParams struct {
	// First value, inclusive.
	Start int `mapstructure:"start"`

	// Last value, exclusive.
	End int `mapstructure:"end"`

	// Values covered by one slicer invocation.
	Size int `mapstructure:"size"`

	// Invocations covering more values are split into sub-slices.
	MaxRange int `mapstructure:"max_range"`

	QueueLength int `mapstructure:"queue_length"`
}

func decodeRange(params Params) (*rangeParams, error) {
	p := &rangeParams{Size: 1}
	if err := params.Decode(p); err != nil {
		return nil, err
	}
	if p.End < p.Start {
		return nil, fmt.Errorf("end (%d) is before start (%d)", p.End, p.Start)
	}
	if p.Size <= 0 {
		return nil, fmt.Errorf("size must be positive")
	}
	if p.MaxRange < 0 {
		return nil, fmt.Errorf("max_range must not be negative")
	}
	return p, nil
}

func rangeRequest(start, end int) protocol.SliceRequest {
	return protocol.SliceRequest{"start": start, "end": end}
}

// Slicer i of n covers every n:th chunk of the range, starting with chunk i.
func newRangeSlicer(params Params, info SlicerInfo) (job.Slicer, error) {
	p, err := decodeRange(params)
	if err != nil {
		return nil, err
	}

	if info.Recovery {
		// Nothing to resume from, the recovery phase completes at once.
		return func(context.Context) (job.SlicerResult, error) {
			return job.SlicerResult{}, nil
		}, nil
	}

	chunk := info.SlicerID
	slicers := info.Slicers
	if slicers <= 0 {
		slicers = 1
	}

	return func(ctx context.Context) (job.SlicerResult, error) {
		start := p.Start + chunk*p.Size
		if start >= p.End {
			return job.SlicerResult{}, nil
		}
		end := min(start+p.Size, p.End)
		chunk += slicers

		if p.MaxRange == 0 || end-start <= p.MaxRange {
			return job.Single(rangeRequest(start, end)), nil
		}

		requests := []protocol.SliceRequest{}
		for s := start; s < end; s += p.MaxRange {
			requests = append(requests, rangeRequest(s, min(s+p.MaxRange, end)))
		}
		result := job.Multiple(requests...)
		result.RangeExpanded = true
		return result, nil
	}, nil
}

// Reads the values of a {start, end} request.
func newRangeReader(params Params) (Operation, error) {
	return func(ctx context.Context, op *Context, input interface{}) (interface{}, error) {
		request, ok := input.(protocol.SliceRequest)
		if !ok {
			return nil, fmt.Errorf("range: unexpected input %T", input)
		}
		start, err := request.Int("start")
		if err != nil {
			return nil, err
		}
		end, err := request.Int("end")
		if err != nil {
			return nil, err
		}

		values := make([]int64, 0, max(end-start, 0))
		for v := start; v < end; v++ {
			values = append(values, int64(v))
		}
		return values, nil
	}, nil
}

var rangeModule = &Module{
	NewReader: newRangeReader,
	NewSlicer: newRangeSlicer,
	SlicerQueueLength: func(params Params) int {
		p, err := decodeRange(params)
		if err != nil {
			return 0
		}
		return p.QueueLength
	},
}

func passthrough(ctx context.Context, op *Context, input interface{}) (interface{}, error) {
	return input, nil
}

var noopModule = &Module{
	NewReader:    func(Params) (Operation, error) { return passthrough, nil },
	NewProcessor: func(Params) (Operation, error) { return passthrough, nil },
}

func sum(ctx context.Context, op *Context, input interface{}) (interface{}, error) {
	switch values := input.(type) {
	case []int64:
		var total int64
		for _, v := range values {
			total += v
		}
		return total, nil
	case []interface{}:
		var total float64
		for _, v := range values {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("sum: %v is not a number", v)
			}
			total += f
		}
		return total, nil
	default:
		return nil, fmt.Errorf("sum: unexpected input %T", input)
	}
}

var sumModule = &Module{
	NewProcessor: func(Params) (Operation, error) { return sum, nil },
}

type failParams struct {
	// Attempts failing per slice, -1 to always fail.
	Attempts int    `mapstructure:"attempts"`
	Message  string `mapstructure:"message"`
}

func newFail(params Params) (Operation, error) {
	p := &failParams{Attempts: 1, Message: "intentional failure"}
	if err := params.Decode(p); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	attempts := map[string]int{}

	return func(ctx context.Context, op *Context, input interface{}) (interface{}, error) {
		mu.Lock()
		attempts[op.SliceID]++
		n := attempts[op.SliceID]
		mu.Unlock()

		if p.Attempts < 0 || n <= p.Attempts {
			return nil, fmt.Errorf("%s (attempt %d)", p.Message, n)
		}
		return input, nil
	}, nil
}

var failModule = &Module{
	NewReader:    newFail,
	NewProcessor: newFail,
}

type delayParams struct {
	Duration time.Duration `mapstructure:"duration"`
}

func newDelay(params Params) (Operation, error) {
	p := &delayParams{Duration: 100 * time.Millisecond}
	if err := params.Decode(p); err != nil {
		return nil, err
	}

	return func(ctx context.Context, op *Context, input interface{}) (interface{}, error) {
		select {
		case <-time.After(p.Duration):
			return input, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil
}

var delayModule = &Module{
	NewReader:    newDelay,
	NewProcessor: newDelay,
}
