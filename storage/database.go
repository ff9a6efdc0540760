package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "telechat.db"
	// DefaultPageSize bounds list queries that do not set a limit.
	DefaultPageSize = 100
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS participants (
  user_id            TEXT PRIMARY KEY,
  name               TEXT NOT NULL,
  role               TEXT NOT NULL CHECK(role IN ('doctor','patient')),
  assigned_doctor_id TEXT REFERENCES participants(user_id) ON DELETE SET NULL,
  created_at         INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id  TEXT PRIMARY KEY,
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  body        TEXT NOT NULL DEFAULT '',
  created_at  INTEGER NOT NULL,
  file_id     TEXT,
  file_name   TEXT
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_pair_time
ON messages (sender_id, receiver_id, created_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_participants_doctor
ON participants (assigned_doctor_id, name);
`,
	`
CREATE TABLE IF NOT EXISTS files (
  file_id       TEXT PRIMARY KEY,
  bucket        TEXT NOT NULL,
  filename      TEXT NOT NULL,
  filesize      INTEGER NOT NULL,
  filetype      TEXT,
  stored_path   TEXT NOT NULL,
  checksum      TEXT NOT NULL,
  access_policy TEXT NOT NULL,
  created_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_bucket_time
ON files (bucket, created_at DESC);
`,
}

// Store keeps messages, participants and blob metadata in one SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens telechat.db under dataDir, creating the directory and schema
// when missing.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath. Every pooled connection runs in WAL
// mode with foreign keys on.
func OpenPath(dbPath string) (*Store, error) {
	dsn := "file:" + filepath.ToSlash(dbPath) + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", dbPath, err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database. Repeated calls are no-ops.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate brings the schema up to len(migrations), tracking progress in
// PRAGMA user_version.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	var from int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&from); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if from >= len(migrations) {
		return nil
	}

	for version, stmt := range migrations[from:] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", from+version+1, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	log.Debugf("migrated schema from version %d to %d", from, len(migrations))
	return nil
}
