package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"camrelay/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnavailable wraps every database failure; the ingest loop treats it
	// as fatal to the current cycle.
	ErrUnavailable = errors.New("delivery store unavailable")

	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const maxErrorLen = 500

// Store persists one FileRecord per filename. Every method is a single
// statement, so no lock is held across network I/O.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open", err)
	}
	db.SetMaxOpenConns(1)

	if err := Init(ctx, db); err != nil {
		db.Close()
		return nil, unavailable("init", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, filename string) (model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT filename, checksum, crc32c, size, processed_at, upload_status, retries, remote_key, last_error
FROM processed_files
WHERE filename = ?`, filename)

	f, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FileRecord{}, ErrNotFound
	}
	if err != nil {
		return model.FileRecord{}, unavailable("get", err)
	}
	return f, nil
}

// IsDelivered reports whether filename already reached the terminal success state.
func (s *Store) IsDelivered(ctx context.Context, filename string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM processed_files WHERE filename = ? AND upload_status = ?`,
		filename, string(model.StatusSuccess)).Scan(&n)
	if err != nil {
		return false, unavailable("is delivered", err)
	}
	return n > 0, nil
}

// UpsertPending records a fresh ingest. An existing pending row is refreshed;
// success and backup rows are never reset.
func (s *Store) UpsertPending(ctx context.Context, f model.FileRecord) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO processed_files (filename, checksum, crc32c, size, processed_at, upload_status, retries)
VALUES (?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(filename) DO UPDATE SET
	checksum = excluded.checksum,
	crc32c = excluded.crc32c,
	size = excluded.size,
	processed_at = excluded.processed_at
WHERE processed_files.upload_status = ?`,
		f.Filename, f.Checksum, int64(f.CRC32C), f.Size, s.stamp(), string(model.StatusPending),
		string(model.StatusPending),
	)
	if err != nil {
		return unavailable("upsert pending", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("%w: upsert pending for %s", ErrInvalidTransition, f.Filename)
	}
	return nil
}

// MarkSuccess moves pending or backup to success.
func (s *Store) MarkSuccess(ctx context.Context, filename, remoteKey string) error {
	return s.transition(ctx, filename, model.StatusSuccess, `
UPDATE processed_files
SET upload_status = ?, remote_key = ?, last_error = '', processed_at = ?
WHERE filename = ? AND upload_status IN (?, ?)`,
		string(model.StatusSuccess), remoteKey, s.stamp(), filename,
		string(model.StatusPending), string(model.StatusBackup),
	)
}

// MarkBackup moves pending to backup.
func (s *Store) MarkBackup(ctx context.Context, filename string, cause error) error {
	return s.transition(ctx, filename, model.StatusBackup, `
UPDATE processed_files
SET upload_status = ?, last_error = ?, processed_at = ?
WHERE filename = ? AND upload_status = ?`,
		string(model.StatusBackup), errText(cause), s.stamp(), filename,
		string(model.StatusPending),
	)
}

// IncrementRetries counts one more failed resync of a backup record.
func (s *Store) IncrementRetries(ctx context.Context, filename string, cause error) error {
	return s.transition(ctx, filename, model.StatusBackup, `
UPDATE processed_files
SET retries = retries + 1, last_error = ?, processed_at = ?
WHERE filename = ? AND upload_status = ?`,
		errText(cause), s.stamp(), filename, string(model.StatusBackup),
	)
}

// ListBacklog returns backup records still below the retry ceiling, oldest first.
func (s *Store) ListBacklog(ctx context.Context, maxRetries int) ([]model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT filename, checksum, crc32c, size, processed_at, upload_status, retries, remote_key, last_error
FROM processed_files
WHERE upload_status = ? AND retries < ?
ORDER BY processed_at, filename`,
		string(model.StatusBackup), maxRetries)
	if err != nil {
		return nil, unavailable("list backlog", err)
	}
	defer rows.Close()

	var out []model.FileRecord
	for rows.Next() {
		f, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan backlog", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list backlog", err)
	}
	return out, nil
}

type Summary struct {
	Pending   int
	Success   int
	Backup    int
	Exhausted int // backup records at or over the retry ceiling
}

func (s *Store) Summarize(ctx context.Context, maxRetries int) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(upload_status = 'pending'), 0),
	COALESCE(SUM(upload_status = 'success'), 0),
	COALESCE(SUM(upload_status = 'backup'), 0),
	COALESCE(SUM(upload_status = 'backup' AND retries >= ?), 0)
FROM processed_files`, maxRetries).Scan(&sum.Pending, &sum.Success, &sum.Backup, &sum.Exhausted)
	if err != nil {
		return Summary{}, unavailable("summarize", err)
	}
	return sum, nil
}

func (s *Store) transition(ctx context.Context, filename string, to model.UploadStatus, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("transition", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, filename, to)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (model.FileRecord, error) {
	var f model.FileRecord
	var status, processedAt string
	var crc int64
	if err := sc.Scan(
		&f.Filename, &f.Checksum, &crc, &f.Size, &processedAt, &status, &f.Retries, &f.RemoteKey, &f.LastError,
	); err != nil {
		return model.FileRecord{}, err
	}
	f.CRC32C = uint32(crc)
	f.Status = model.UploadStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, processedAt); err == nil {
		f.ProcessedAt = t
	}
	return f, nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
