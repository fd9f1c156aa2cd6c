package job

import (
	"context"

	"github.com/srand/slicer/pkg/protocol"
)

// Output of one slicer invocation.
//
// A zero result means the slicer has no work right now. Under the once
// lifecycle it also means the slicer is done.
type SlicerResult struct {
	Requests []protocol.SliceRequest

	// The slicer produced several requests from one invocation.
	Multiple bool

	// The slicer split an oversized range.
	RangeExpanded bool
}

func (r SlicerResult) Empty() bool {
	return len(r.Requests) == 0
}

// Result carrying a single slice request.
func Single(request protocol.SliceRequest) SlicerResult {
	if request == nil {
		return SlicerResult{}
	}
	return SlicerResult{Requests: []protocol.SliceRequest{request}}
}

// Result carrying several slice requests from one invocation.
func Multiple(requests ...protocol.SliceRequest) SlicerResult {
	return SlicerResult{Requests: requests, Multiple: true}
}

// A slicer produces slice requests for one partition of the work.
// Invocations of the same slicer never overlap. An error is fatal for
// the execution, slicers are expected to retry internally.
type Slicer func(ctx context.Context) (SlicerResult, error)
