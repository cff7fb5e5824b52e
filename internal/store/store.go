// Package store keeps batch history in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stone-age-io/pigzd/internal/orchestrator"
	"github.com/stone-age-io/pigzd/internal/tasks"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// ErrBatchNotFound is returned when a batch id is unknown
var ErrBatchNotFound = errors.New("batch not found")

// Store provides access to the history database
type Store struct {
	db *sql.DB
}

// BatchRecord is the stored summary of one batch
type BatchRecord struct {
	ID               string          `json:"batch_id"`
	Operation        tasks.Operation `json:"operation"`
	Mode             string          `json:"mode"`
	ThresholdBytes   int64           `json:"threshold_bytes"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	LogicalCPUs      int             `json:"logical_cpus"`
	Succeeded        int             `json:"succeeded"`
	Failed           int             `json:"failed"`
	Cancelled        int             `json:"cancelled"`
	CPUPercent       float64         `json:"cpu_percent"`
	DiskReadBytes    uint64          `json:"disk_read_bytes"`
	DiskWriteBytes   uint64          `json:"disk_write_bytes"`
	StartedAt        time.Time       `json:"started_at"`
	Duration         time.Duration   `json:"duration_ns"`
}

// Open opens (creating if needed) the database at path and runs migrations
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate: %w", err), db.Close())
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		threshold_bytes INTEGER NOT NULL DEFAULT 0,
		concurrency_limit INTEGER NOT NULL DEFAULT 0,
		logical_cpus INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		cpu_percent REAL NOT NULL DEFAULT 0,
		disk_read_bytes INTEGER NOT NULL DEFAULT 0,
		disk_write_bytes INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		batch_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		source_path TEXT NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		warning TEXT NOT NULL DEFAULT '',
		original_size INTEGER NOT NULL DEFAULT 0,
		compressed_size INTEGER NOT NULL DEFAULT 0,
		source_removed INTEGER NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 0,
		threads INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (batch_id, position),
		FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_batches_started_at ON batches(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBatch stores a batch summary and its results in one transaction
func (s *Store) SaveBatch(ctx context.Context, resp *orchestrator.BatchResponse) (err error) {
	if resp == nil || resp.BatchID == "" {
		return fmt.Errorf("batch has no id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	succeeded, failed, cancelled := resp.Counts()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, operation, mode, threshold_bytes, concurrency_limit, logical_cpus,
			succeeded, failed, cancelled, cpu_percent, disk_read_bytes, disk_write_bytes, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.BatchID, string(resp.Operation), string(resp.Mode), resp.Threshold, resp.ConcurrencyLimit, resp.LogicalCPUs,
		succeeded, failed, cancelled, resp.Usage.CPUPercent, int64(resp.Usage.DiskReadBytes), int64(resp.Usage.DiskWriteBytes),
		resp.StartedAt.UnixNano(), int64(resp.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (batch_id, position, source_path, output_path, operation, status, error_kind, error,
			warning, original_size, compressed_size, source_removed, level, threads, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare result insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range resp.Results {
		_, err = stmt.ExecContext(ctx,
			resp.BatchID, i, r.SourcePath, r.OutputPath, string(r.Operation), string(r.Status), string(r.ErrorKind), r.Error,
			r.Warning, r.OriginalSize, r.CompressedSize, r.SourceRemoved, r.Level, r.Threads, int64(r.Duration),
		)
		if err != nil {
			return fmt.Errorf("insert result %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListBatches returns the most recent batches, newest first. A limit <= 0
// returns all batches.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	query := `SELECT id, operation, mode, threshold_bytes, concurrency_limit, logical_cpus,
		succeeded, failed, cancelled, cpu_percent, disk_read_bytes, disk_write_bytes, started_at, duration_ns
		FROM batches ORDER BY started_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var records []BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetBatch returns one batch summary
func (s *Store) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, operation, mode, threshold_bytes, concurrency_limit, logical_cpus,
			succeeded, failed, cancelled, cpu_percent, disk_read_bytes, disk_write_bytes, started_at, duration_ns
		FROM batches WHERE id = ?`, id)

	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetBatchResults returns the results of a batch in input order
func (s *Store) GetBatchResults(ctx context.Context, id string) ([]tasks.TaskResult, error) {
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_path, output_path, operation, status, error_kind, error, warning,
			original_size, compressed_size, source_removed, level, threads, duration_ns
		FROM results WHERE batch_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []tasks.TaskResult
	for rows.Next() {
		var (
			r                tasks.TaskResult
			op, status, kind string
			durationNS       int64
		)
		if err := rows.Scan(&r.SourcePath, &r.OutputPath, &op, &status, &kind, &r.Error, &r.Warning,
			&r.OriginalSize, &r.CompressedSize, &r.SourceRemoved, &r.Level, &r.Threads, &durationNS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Operation = tasks.Operation(op)
		r.Status = tasks.Status(status)
		r.ErrorKind = tasks.ErrorKind(kind)
		r.Duration = time.Duration(durationNS)
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row scanner) (BatchRecord, error) {
	var (
		rec                   BatchRecord
		op                    string
		diskRead, diskWrite   int64
		startedNS, durationNS int64
	)
	err := row.Scan(&rec.ID, &op, &rec.Mode, &rec.ThresholdBytes, &rec.ConcurrencyLimit, &rec.LogicalCPUs,
		&rec.Succeeded, &rec.Failed, &rec.Cancelled, &rec.CPUPercent, &diskRead, &diskWrite, &startedNS, &durationNS)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan batch: %w", err)
	}

	rec.Operation = tasks.Operation(op)
	rec.DiskReadBytes = uint64(diskRead)
	rec.DiskWriteBytes = uint64(diskWrite)
	rec.StartedAt = time.Unix(0, startedNS).UTC()
	rec.Duration = time.Duration(durationNS)
	return rec, nil
}
