package protocol

// Status of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionFailing   ExecutionStatus = "failing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Should return true if the execution can no longer change status.
func (status ExecutionStatus) IsTerminal() bool {
	switch status {
	case ExecutionCompleted, ExecutionFailed:
		return true
	default:
		return false
	}
}

// Returns true if the execution may move from its current status to next.
//
//	pending -> running
//	running -> failing | completed | failed
//	failing -> running | completed | failed
func (status ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch status {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionFailed
	case ExecutionRunning:
		return next == ExecutionFailing || next == ExecutionCompleted || next == ExecutionFailed
	case ExecutionFailing:
		return next == ExecutionRunning || next == ExecutionCompleted || next == ExecutionFailed
	default:
		return false
	}
}

// Persisted state of a slice.
type SliceState string

const (
	SliceStart     SliceState = "start"
	SliceCompleted SliceState = "completed"
	SliceError     SliceState = "error"
)

// Should return true if the slice must never be processed again.
func (state SliceState) IsTerminal() bool {
	switch state {
	case SliceCompleted, SliceError:
		return true
	default:
		return false
	}
}
