// Package store provides the durable local store for the sync engine.
//
// The store is a partitioned key/value layer over an embedded SQLite
// database (WAL mode for concurrent reads). Partitions scope data per
// driver/day/kind, e.g. "drv-17/2026-08-29/actions".
//
// Writes are quota-bounded: the store refuses to grow past the configured
// byte budget and returns ErrQuotaExceeded so callers can shed prunable
// data first. Multi-record invariants (enqueue action + bump counter) go
// through Transaction, which applies all operations or none.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound means the key does not exist. Callers generally treat
	// this as "empty", not as a failure.
	ErrNotFound = errors.New("store: key not found")

	// ErrQuotaExceeded means the write would push usage past the
	// configured byte budget. Nothing was written.
	ErrQuotaExceeded = errors.New("store: quota exceeded")

	// ErrTxAborted means the transaction could not commit (lock
	// contention, I/O). The store is unchanged; the caller may retry.
	ErrTxAborted = errors.New("store: transaction aborted")

	// ErrCheckFailed means an OpCheck guard saw a different value than
	// expected. Nothing was written; the caller should re-read and
	// retry.
	ErrCheckFailed = errors.New("store: guarded value changed")
)

// DefaultQuotaBytes bounds total local storage when no quota is configured.
const DefaultQuotaBytes = 64 << 20 // 64 MiB

// OpKind selects the operation a transaction entry performs.
type OpKind int

const (
	// OpPut writes a key.
	OpPut OpKind = iota
	// OpDelete removes a key. Deleting a missing key is a no-op.
	OpDelete
	// OpCheck asserts the key currently holds Value (nil means the key
	// must not exist) and writes nothing. A mismatch aborts the whole
	// batch with ErrCheckFailed. This is the cross-process guard for
	// read-modify-write sequences like counters.
	OpCheck
)

// Op is one entry in an atomic batch.
type Op struct {
	Kind      OpKind
	Partition string
	Key       string
	Value     []byte
}

// Record is a key/value pair returned by List.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store wraps the SQLite connection with partition and quota handling.
type Store struct {
	conn  *sql.DB
	path  string
	quota int64
}

// Open creates or opens the store database at path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// quotaBytes bounds total usage; zero selects DefaultQuotaBytes.
//
// The caller MUST call Close() when done.
func Open(path string, quotaBytes int64) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if quotaBytes <= 0 {
		quotaBytes = DefaultQuotaBytes
	}

	s := &Store{conn: conn, path: path, quota: quotaBytes}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the kv table and indexes. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		partition  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (partition, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_partition ON kv(partition);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store database: %w", err)
	}
	s.conn = nil
	return nil
}

// SetQuota replaces the byte budget. Existing data is not evicted here;
// the retention manager reacts to EstimateUsage.
func (s *Store) SetQuota(quotaBytes int64) {
	if quotaBytes > 0 {
		s.quota = quotaBytes
	}
}

// Quota returns the configured byte budget.
func (s *Store) Quota() int64 {
	return s.quota
}

// Put writes a single key. Equivalent to a one-op Transaction.
func (s *Store) Put(ctx context.Context, partition, key string, value []byte) error {
	return s.Transaction(ctx, []Op{{Kind: OpPut, Partition: partition, Key: key, Value: value}})
}

// Get returns the value for a key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, partition, key string) ([]byte, error) {
	var value []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE partition = ? AND key = ?",
		partition, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", partition, key, err)
	}
	return value, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, partition, key string) error {
	return s.Transaction(ctx, []Op{{Kind: OpDelete, Partition: partition, Key: key}})
}

// Transaction applies all ops atomically, or none of them.
//
// The quota is checked against the post-transaction size before commit;
// a violation rolls back and returns ErrQuotaExceeded. Commit failures
// from lock contention surface as ErrTxAborted.
func (s *Store) Transaction(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTxAborted, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO kv (partition, key, value, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(partition, key) DO UPDATE SET
					value = excluded.value,
					updated_at = excluded.updated_at`,
				op.Partition, op.Key, op.Value, now)
		case OpDelete:
			_, err = tx.ExecContext(ctx,
				"DELETE FROM kv WHERE partition = ? AND key = ?",
				op.Partition, op.Key)
		case OpCheck:
			var current []byte
			err = tx.QueryRowContext(ctx,
				"SELECT value FROM kv WHERE partition = ? AND key = ?",
				op.Partition, op.Key).Scan(&current)
			if err == sql.ErrNoRows {
				if op.Value != nil {
					return fmt.Errorf("%w: %s/%s is gone", ErrCheckFailed, op.Partition, op.Key)
				}
				err = nil
			} else if err == nil && !bytes.Equal(current, op.Value) {
				return fmt.Errorf("%w: %s/%s", ErrCheckFailed, op.Partition, op.Key)
			}
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTxAborted, err)
		}
	}

	var usage int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(LENGTH(value) + LENGTH(key) + LENGTH(partition)), 0) FROM kv",
	).Scan(&usage); err != nil {
		return fmt.Errorf("%w: %v", ErrTxAborted, err)
	}
	if usage > s.quota {
		return ErrQuotaExceeded
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrTxAborted, err)
	}
	return nil
}

// List returns all records in a partition, ordered by key.
func (s *Store) List(ctx context.Context, partition string) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT key, value, updated_at FROM kv WHERE partition = ? ORDER BY key",
		partition)
	if err != nil {
		return nil, fmt.Errorf("failed to list partition %s: %w", partition, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var updated string
		if err := rows.Scan(&rec.Key, &rec.Value, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			rec.UpdatedAt = ts
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate partition %s: %w", partition, err)
	}
	return records, nil
}

// EstimateUsage returns the total bytes currently stored.
func (s *Store) EstimateUsage(ctx context.Context) (int64, error) {
	var usage int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(LENGTH(value) + LENGTH(key) + LENGTH(partition)), 0) FROM kv",
	).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate usage: %w", err)
	}
	return usage, nil
}
