package protocol

// Message types exchanged between the execution controller and its workers.
const (
	MsgWorkerReady         = "worker:ready"
	MsgWorkerSliceComplete = "worker:slice:complete"
	MsgSliceNew            = "slicer:slice:new"
	MsgExecutionFinished   = "execution:finished"
	MsgExecutionTerminal   = "execution:error:terminal"
	MsgResponse            = "messaging:response"
)

// Presence events emitted locally by the messenger.
const (
	EventWorkerOnline    = "worker:online"
	EventWorkerOffline   = "worker:offline"
	EventWorkerReconnect = "worker:reconnect"
)

// Domain events on the process event bus.
const (
	EventSliceSuccess        = "slice:success"
	EventSliceFailure        = "slice:failure"
	EventSliceRetry          = "slice:retry"
	EventSliceFinalize       = "slice:finalize"
	EventSliceDispatched     = "slice:dispatched"
	EventSlicersFinished     = "slicers:finished"
	EventSlicerSubslice      = "slicer:subslice"
	EventSlicerRangeExpanded = "slicer:slice:range_expansion"
	EventExecutionStatus     = "execution:status"
)

// Address reaching every connected peer.
const Broadcast = "*"

// Address of the execution controller as seen from a worker.
const Controller = "controller"

// Announcement sent by a worker that is ready for a slice.
type WorkerReady struct {
	WorkerID string `json:"worker_id"`
	Hostname string `json:"hostname,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Pid      int    `json:"pid,omitempty"`
}

// Payload of slicer:slice:new.
type NewSlice struct {
	Slice *Slice `json:"slice"`
}

// Reply to slicer:slice:new.
type DispatchReply struct {
	WillProcess bool `json:"willProcess"`
}

// Payload of worker:slice:complete.
type SliceCompletion struct {
	Slice     *Slice          `json:"slice"`
	WorkerID  string          `json:"worker_id"`
	Error     string          `json:"error,omitempty"`
	Analytics *SliceAnalytics `json:"analytics,omitempty"`
	Retry     bool            `json:"retry,omitempty"`
}

// Payload of execution:finished and execution:error:terminal.
type ExecutionNotice struct {
	ExID  string `json:"ex_id"`
	Error string `json:"error,omitempty"`
}
