package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS slices (
	ex_id TEXT NOT NULL,
	slice_id TEXT NOT NULL,
	slicer_id INTEGER NOT NULL,
	slicer_order INTEGER NOT NULL,
	request TEXT,
	state TEXT NOT NULL,
	error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (ex_id, slice_id)
);

CREATE INDEX IF NOT EXISTS idx_slices_state ON slices(ex_id, state);

CREATE TABLE IF NOT EXISTS executions (
	ex_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	metadata TEXT,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS slice_analytics (
	ex_id TEXT NOT NULL,
	slice_id TEXT NOT NULL,
	analytics TEXT NOT NULL,
	PRIMARY KEY (ex_id, slice_id)
);
`

// SQLiteStore implements SliceStore, ExecutionStore and AnalyticsStore
// on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open or create the database at path. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, utils.Wrap(err, "failed to open %s", path)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, utils.Wrap(err, "failed to initialize schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateState(ctx context.Context, exID string, slice *protocol.Slice, state protocol.SliceState) error {
	record := newSliceRecord(exID, slice, state, "")
	request, err := json.Marshal(record.Request)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slices (ex_id, slice_id, slicer_id, slicer_order, request, state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, record.ExID, record.SliceID, record.SlicerID, record.SlicerOrder, string(request),
		record.State, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return utils.Wrap(err, "failed to create slice %s", slice.SliceID)
	}
	return nil
}

func (s *SQLiteStore) UpdateState(ctx context.Context, exID string, slice *protocol.Slice, state protocol.SliceState, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM slices WHERE ex_id = ? AND slice_id = ?", exID, slice.SliceID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		record := newSliceRecord(exID, slice, state, errMsg)
		request, err := json.Marshal(record.Request)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO slices (ex_id, slice_id, slicer_id, slicer_order, request, state, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, record.ExID, record.SliceID, record.SlicerID, record.SlicerOrder, string(request),
			record.State, nullString(errMsg), record.CreatedAt, record.UpdatedAt)
		if err != nil {
			return err
		}

	case err != nil:
		return err

	case protocol.SliceState(current).IsTerminal():
		return utils.Wrap(utils.ErrAlreadyProcessed, "slice %s is %s", slice.SliceID, current)

	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE slices SET state = ?, error = ?, updated_at = ?
			WHERE ex_id = ? AND slice_id = ?
		`, state, nullString(errMsg), time.Now(), exID, slice.SliceID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetState(ctx context.Context, exID, sliceID string) (*SliceRecord, error) {
	record := &SliceRecord{}
	var request, errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT ex_id, slice_id, slicer_id, slicer_order, request, state, error, created_at, updated_at
		FROM slices WHERE ex_id = ? AND slice_id = ?
	`, exID, sliceID).Scan(&record.ExID, &record.SliceID, &record.SlicerID, &record.SlicerOrder,
		&request, &record.State, &errMsg, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if request.Valid && request.String != "null" {
		if err := json.Unmarshal([]byte(request.String), &record.Request); err != nil {
			return nil, err
		}
	}
	record.Error = errMsg.String
	return record, nil
}

func (s *SQLiteStore) Count(ctx context.Context, query *Query) (int, error) {
	where, args := query.SQL()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM slices WHERE "+where, args...).Scan(&count)
	return count, err
}

func (s *SQLiteStore) currentStatus(ctx context.Context, tx *sql.Tx, exID string) (protocol.ExecutionStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE ex_id = ?", exID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ExecutionPending, nil
	}
	return protocol.ExecutionStatus(status), err
}

func (s *SQLiteStore) writeStatus(ctx context.Context, tx *sql.Tx, exID string, status protocol.ExecutionStatus, meta *ExecutionMetadata) error {
	var metadata sql.NullString
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO executions (ex_id, status, metadata, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ex_id) DO UPDATE SET
			status = excluded.status,
			metadata = COALESCE(excluded.metadata, executions.metadata),
			updated_at = excluded.updated_at
	`, exID, status, metadata, time.Now())
	return err
}

func (s *SQLiteStore) SetStatus(ctx context.Context, exID string, status protocol.ExecutionStatus, meta *ExecutionMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.currentStatus(ctx, tx, exID)
	if err != nil {
		return err
	}
	if err := checkTransition(exID, current, status); err != nil {
		return err
	}
	if err := s.writeStatus(ctx, tx, exID, status, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, exID string, from, to protocol.ExecutionStatus, meta *ExecutionMetadata) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	current, err := s.currentStatus(ctx, tx, exID)
	if err != nil {
		return false, err
	}
	if current != from {
		return false, nil
	}
	if err := checkTransition(exID, current, to); err != nil {
		return false, err
	}
	if err := s.writeStatus(ctx, tx, exID, to, meta); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, exID string) (*ExecutionRecord, error) {
	record := &ExecutionRecord{}
	var metadata sql.NullString

	err := s.db.QueryRowContext(ctx, "SELECT ex_id, status, metadata, updated_at FROM executions WHERE ex_id = ?", exID).
		Scan(&record.ExID, &record.Status, &metadata, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata.Valid {
		record.Metadata = &ExecutionMetadata{}
		if err := json.Unmarshal([]byte(metadata.String), record.Metadata); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (s *SQLiteStore) SaveSliceAnalytics(ctx context.Context, exID, sliceID string, analytics *protocol.SliceAnalytics) error {
	data, err := json.Marshal(analytics)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slice_analytics (ex_id, slice_id, analytics) VALUES (?, ?, ?)
		ON CONFLICT(ex_id, slice_id) DO UPDATE SET analytics = excluded.analytics
	`, exID, sliceID, string(data))
	return err
}

func (s *SQLiteStore) GetSliceAnalytics(ctx context.Context, exID, sliceID string) (*protocol.SliceAnalytics, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT analytics FROM slice_analytics WHERE ex_id = ? AND slice_id = ?", exID, sliceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	analytics := &protocol.SliceAnalytics{}
	if err := json.Unmarshal([]byte(data), analytics); err != nil {
		return nil, err
	}
	return analytics, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
