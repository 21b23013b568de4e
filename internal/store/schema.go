package store

import (
	"context"
	"database/sql"
)

const createFiles = `
CREATE TABLE IF NOT EXISTS processed_files (
	filename TEXT PRIMARY KEY,
	checksum TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	processed_at TEXT NOT NULL,
	upload_status TEXT NOT NULL CHECK (upload_status IN ('pending','success','backup')),
	retries INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_processed_files_status ON processed_files(upload_status, retries);
`

// Columns added after the first deployed layout; older databases gain them on open.
var addedColumns = []struct {
	name string
	ddl  string
}{
	{name: "crc32c", ddl: "ALTER TABLE processed_files ADD COLUMN crc32c INTEGER NOT NULL DEFAULT 0"},
	{name: "remote_key", ddl: "ALTER TABLE processed_files ADD COLUMN remote_key TEXT NOT NULL DEFAULT ''"},
	{name: "last_error", ddl: "ALTER TABLE processed_files ADD COLUMN last_error TEXT NOT NULL DEFAULT ''"},
}

func Init(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=FULL;`,
		createFiles,
	}

	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}

	return ensureColumns(ctx, db)
}

func ensureColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(processed_files)")
	if err != nil {
		return err
	}
	defer rows.Close()

	have := map[string]struct{}{}
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		have[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, c := range addedColumns {
		if _, ok := have[c.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, c.ddl); err != nil {
			return err
		}
	}
	return nil
}
