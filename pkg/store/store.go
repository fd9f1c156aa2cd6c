// Package store persists slice state, execution status and slice analytics.
package store

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

// Persisted state of one slice.
type SliceRecord struct {
	ExID        string                `json:"ex_id"`
	SliceID     string                `json:"slice_id"`
	SlicerID    int                   `json:"slicer_id"`
	SlicerOrder int                   `json:"slicer_order"`
	Request     protocol.SliceRequest `json:"request,omitempty"`
	State       protocol.SliceState   `json:"state"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"_created"`
	UpdatedAt   time.Time             `json:"_updated"`
}

func newSliceRecord(exID string, slice *protocol.Slice, state protocol.SliceState, errMsg string) *SliceRecord {
	now := time.Now()
	created := slice.CreatedAt
	if created.IsZero() {
		created = now
	}
	return &SliceRecord{
		ExID:        exID,
		SliceID:     slice.SliceID,
		SlicerID:    slice.SlicerID,
		SlicerOrder: slice.SlicerOrder,
		Request:     slice.Request,
		State:       state,
		Error:       errMsg,
		CreatedAt:   created,
		UpdatedAt:   now,
	}
}

type SliceStore interface {
	// Record a new slice. Fails if the slice already exists.
	CreateState(ctx context.Context, exID string, slice *protocol.Slice, state protocol.SliceState) error

	// Move a slice to a terminal state. A slice that is already terminal
	// is left untouched and utils.ErrAlreadyProcessed is returned.
	UpdateState(ctx context.Context, exID string, slice *protocol.Slice, state protocol.SliceState, errMsg string) error

	// Returns utils.ErrNotFound if the slice is unknown.
	GetState(ctx context.Context, exID, sliceID string) (*SliceRecord, error)

	// Number of slices matching the query.
	Count(ctx context.Context, query *Query) (int, error)

	Close() error
}

// Metadata attached to an execution status write.
type ExecutionMetadata struct {
	Stats     map[string]int64 `json:"stats,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Build the metadata attached to a status write from an analytics snapshot.
func ExecutionMetaData(stats map[string]int64, message string) *ExecutionMetadata {
	return &ExecutionMetadata{
		Stats:     stats,
		Message:   message,
		Timestamp: time.Now(),
	}
}

type ExecutionRecord struct {
	ExID      string                   `json:"ex_id"`
	Status    protocol.ExecutionStatus `json:"status"`
	Metadata  *ExecutionMetadata       `json:"metadata,omitempty"`
	UpdatedAt time.Time                `json:"_updated"`
}

type ExecutionStore interface {
	// Unconditionally checked against the status state machine.
	// Unknown executions start out as pending.
	SetStatus(ctx context.Context, exID string, status protocol.ExecutionStatus, meta *ExecutionMetadata) error

	// Write status only if the current status equals from.
	// Returns false if another writer got there first.
	CompareAndSetStatus(ctx context.Context, exID string, from, to protocol.ExecutionStatus, meta *ExecutionMetadata) (bool, error)

	// Returns utils.ErrNotFound if the execution is unknown.
	Get(ctx context.Context, exID string) (*ExecutionRecord, error)

	Close() error
}

type AnalyticsStore interface {
	SaveSliceAnalytics(ctx context.Context, exID, sliceID string, analytics *protocol.SliceAnalytics) error
	GetSliceAnalytics(ctx context.Context, exID, sliceID string) (*protocol.SliceAnalytics, error)
	Close() error
}

// Checks a status write against the current status.
func checkTransition(exID string, current, next protocol.ExecutionStatus) error {
	if current == next && !current.IsTerminal() {
		return nil
	}
	if current.IsTerminal() {
		return utils.Wrap(utils.ErrTerminalExecution, "execution %s is %s", exID, current)
	}
	if !current.CanTransitionTo(next) {
		return utils.Wrap(utils.ErrBadRequest, "execution %s cannot go from %s to %s", exID, current, next)
	}
	return nil
}

// Store kinds selected by DSN scheme.
const (
	SchemeMemory = "memory"
	SchemeSQLite = "sqlite"
	SchemeFile   = "file"
)

// Split "scheme://rest". An empty DSN is the memory store.
func parseDSN(dsn string) (string, string) {
	if dsn == "" {
		return SchemeMemory, ""
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "", dsn
	}
	return scheme, rest
}

// Checks that dsn names a slice store other processes can open.
// The controller counts the states written by the workers, so a
// process-local store never lets an execution complete.
func RequireShared(dsn string) error {
	scheme, rest := parseDSN(dsn)
	if scheme == SchemeMemory || (scheme == SchemeSQLite && rest == ":memory:") {
		return utils.Wrap(utils.ErrInvalidConfig, "state store %q is local to this process, use sqlite://<path>", dsn)
	}
	return nil
}

// Open the slice and analytics store named by dsn:
// "memory://", "sqlite://<path>" or "sqlite://:memory:".
func OpenSliceStore(dsn string) (SliceStore, AnalyticsStore, error) {
	scheme, rest := parseDSN(dsn)
	switch scheme {
	case SchemeMemory:
		s := NewMemoryStore()
		return s, s, nil
	case SchemeSQLite:
		s, err := NewSQLiteStore(rest)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, utils.Wrap(utils.ErrInvalidConfig, "unsupported state store %q", dsn)
	}
}

// Open the execution store named by dsn:
// "memory://", "sqlite://<path>" or "file://<dir>".
func OpenExecutionStore(dsn string) (ExecutionStore, error) {
	scheme, rest := parseDSN(dsn)
	switch scheme {
	case SchemeMemory:
		return NewMemoryStore(), nil
	case SchemeSQLite:
		return NewSQLiteStore(rest)
	case SchemeFile:
		if err := os.MkdirAll(rest, 0777); err != nil {
			return nil, err
		}
		return NewFileExecutionStore(afero.NewBasePathFs(afero.NewOsFs(), rest)), nil
	default:
		return nil, utils.Wrap(utils.ErrInvalidConfig, "unsupported execution store %q", dsn)
	}
}
