package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

// FileExecutionStore keeps one JSON document per execution.
type FileExecutionStore struct {
	mu sync.Mutex
	fs afero.Fs
}

func NewFileExecutionStore(fs afero.Fs) *FileExecutionStore {
	return &FileExecutionStore{fs: fs}
}

func (s *FileExecutionStore) path(exID string) string {
	return filepath.Join("executions", exID+".json")
}

func (s *FileExecutionStore) read(exID string) (*ExecutionRecord, error) {
	data, err := afero.ReadFile(s.fs, s.path(exID))
	if os.IsNotExist(err) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record := &ExecutionRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, utils.Wrap(err, "corrupt execution record %s", exID)
	}
	return record, nil
}

// Records are written to a temporary file first and renamed into place.
func (s *FileExecutionStore) write(record *ExecutionRecord) error {
	path := s.path(record.ExID)
	dirpath := filepath.Dir(path)
	if err := s.fs.MkdirAll(dirpath, 0777); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	file, err := afero.TempFile(s.fs, dirpath, "")
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		s.fs.Remove(file.Name())
		return err
	}
	if err := file.Close(); err != nil {
		s.fs.Remove(file.Name())
		return err
	}

	return s.fs.Rename(file.Name(), path)
}

func (s *FileExecutionStore) current(exID string) (*ExecutionRecord, error) {
	record, err := s.read(exID)
	if err == utils.ErrNotFound {
		return &ExecutionRecord{ExID: exID, Status: protocol.ExecutionPending}, nil
	}
	return record, err
}

func (s *FileExecutionStore) update(record *ExecutionRecord, status protocol.ExecutionStatus, meta *ExecutionMetadata) error {
	record.Status = status
	if meta != nil {
		record.Metadata = meta
	}
	record.UpdatedAt = time.Now()
	return s.write(record)
}

func (s *FileExecutionStore) SetStatus(ctx context.Context, exID string, status protocol.ExecutionStatus, meta *ExecutionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.current(exID)
	if err != nil {
		return err
	}
	if err := checkTransition(exID, record.Status, status); err != nil {
		return err
	}
	return s.update(record, status, meta)
}

func (s *FileExecutionStore) CompareAndSetStatus(ctx context.Context, exID string, from, to protocol.ExecutionStatus, meta *ExecutionMetadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.current(exID)
	if err != nil {
		return false, err
	}
	if record.Status != from {
		return false, nil
	}
	if err := checkTransition(exID, record.Status, to); err != nil {
		return false, err
	}
	return true, s.update(record, to, meta)
}

func (s *FileExecutionStore) Get(ctx context.Context, exID string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(exID)
}

func (s *FileExecutionStore) Close() error {
	return nil
}
