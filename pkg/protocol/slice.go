package protocol

import (
	"fmt"
	"time"
)

// The unit of work produced by a slicer, as handed to the reader.
type SliceRequest map[string]interface{}

// Request key carrying the id of the worker the slice should preferably run on.
const WorkerAffinityKey = "request_worker"

// Returns the preferred worker for the request, if any.
func (r SliceRequest) PreferredWorker() string {
	if r == nil {
		return ""
	}
	if id, ok := r[WorkerAffinityKey].(string); ok {
		return id
	}
	return ""
}

// Returns the value of key as an int, accepting the numeric types
// produced by JSON decoding.
func (r SliceRequest) Int(key string) (int, error) {
	switch v := r[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("missing %q in slice request", key)
	default:
		return 0, fmt.Errorf("%q is not a number in slice request: %v", key, v)
	}
}

// A slice request that has been assigned an identity and position.
type Slice struct {
	SliceID     string       `json:"slice_id"`
	SlicerID    int          `json:"slicer_id"`
	SlicerOrder int          `json:"slicer_order"`
	Request     SliceRequest `json:"request"`
	CreatedAt   time.Time    `json:"_created"`
}

// Analytics collected for a slice, one entry per operation.
type SliceAnalytics struct {
	Time   []int64 `json:"time"`
	Size   []int   `json:"size"`
	Memory []int64 `json:"memory"`
}
