package store

import (
	"context"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

type sliceKey struct {
	exID    string
	sliceID string
}

// MemoryStore keeps all records in process memory.
// It implements SliceStore, ExecutionStore and AnalyticsStore.
type MemoryStore struct {
	mu         sync.Mutex
	slices     map[sliceKey]*SliceRecord
	executions map[string]*ExecutionRecord
	analytics  map[sliceKey]*protocol.SliceAnalytics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slices:     map[sliceKey]*SliceRecord{},
		executions: map[string]*ExecutionRecord{},
		analytics:  map[sliceKey]*protocol.SliceAnalytics{},
	}
}

func (s *MemoryStore) CreateState(ctx context.Context, exID string, slice *protocol.Slice, state protocol.SliceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sliceKey{exID, slice.SliceID}
	if _, ok := s.slices[key]; ok {
		return utils.Wrap(utils.ErrBadRequest, "slice %s already exists", slice.SliceID)
	}
	s.slices[key] = newSliceRecord(exID, slice, state, "")
	return nil
}

func (s *MemoryStore) UpdateState(ctx context.Context, exID string, slice *protocol.Slice, state protocol.SliceState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sliceKey{exID, slice.SliceID}
	record, ok := s.slices[key]
	if !ok {
		s.slices[key] = newSliceRecord(exID, slice, state, errMsg)
		return nil
	}
	if record.State.IsTerminal() {
		return utils.Wrap(utils.ErrAlreadyProcessed, "slice %s is %s", slice.SliceID, record.State)
	}

	record.State = state
	record.Error = errMsg
	record.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetState(ctx context.Context, exID, sliceID string) (*SliceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.slices[sliceKey{exID, sliceID}]
	if !ok {
		return nil, utils.ErrNotFound
	}
	copy := *record
	return &copy, nil
}

func (s *MemoryStore) Count(ctx context.Context, query *Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, record := range s.slices {
		if query.Match(record) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, exID string, status protocol.ExecutionStatus, meta *ExecutionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := protocol.ExecutionPending
	if record, ok := s.executions[exID]; ok {
		current = record.Status
	}
	if err := checkTransition(exID, current, status); err != nil {
		return err
	}

	s.setStatus(exID, status, meta)
	return nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, exID string, from, to protocol.ExecutionStatus, meta *ExecutionMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := protocol.ExecutionPending
	if record, ok := s.executions[exID]; ok {
		current = record.Status
	}
	if current != from {
		return false, nil
	}
	if err := checkTransition(exID, current, to); err != nil {
		return false, err
	}

	s.setStatus(exID, to, meta)
	return true, nil
}

func (s *MemoryStore) setStatus(exID string, status protocol.ExecutionStatus, meta *ExecutionMetadata) {
	record, ok := s.executions[exID]
	if !ok {
		record = &ExecutionRecord{ExID: exID}
		s.executions[exID] = record
	}
	record.Status = status
	if meta != nil {
		record.Metadata = meta
	}
	record.UpdatedAt = time.Now()
}

func (s *MemoryStore) Get(ctx context.Context, exID string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.executions[exID]
	if !ok {
		return nil, utils.ErrNotFound
	}
	copy := *record
	return &copy, nil
}

func (s *MemoryStore) SaveSliceAnalytics(ctx context.Context, exID, sliceID string, analytics *protocol.SliceAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analytics[sliceKey{exID, sliceID}] = analytics
	return nil
}

func (s *MemoryStore) GetSliceAnalytics(ctx context.Context, exID, sliceID string) (*protocol.SliceAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	analytics, ok := s.analytics[sliceKey{exID, sliceID}]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return analytics, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
