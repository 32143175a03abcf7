package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "gowarp.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old security events are pruned.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

// migrations are applied in order; PRAGMA user_version holds the count already applied.
var migrations = []migration{
	{
		name: "remotes",
		sql: `
CREATE TABLE IF NOT EXISTS remotes (
  uuid                TEXT PRIMARY KEY,
  hostname            TEXT NOT NULL DEFAULT '',
  display_name        TEXT NOT NULL DEFAULT '',
  user_name           TEXT NOT NULL DEFAULT '',
  last_known_ip       TEXT,
  port                INTEGER NOT NULL DEFAULT 0,
  auth_port           INTEGER NOT NULL DEFAULT 0,
  api_version         INTEGER NOT NULL DEFAULT 1,
  favorite            INTEGER NOT NULL DEFAULT 0,
  static_service      INTEGER NOT NULL DEFAULT 0,
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER
);
`,
	},
	{
		name: "remote certificates",
		sql: `
CREATE TABLE IF NOT EXISTS remote_certificates (
  remote_uuid      TEXT PRIMARY KEY,
  certificate_pem  TEXT NOT NULL,
  fingerprint      TEXT NOT NULL,
  pinned_timestamp INTEGER NOT NULL
);
`,
	},
	{
		name: "transfers",
		sql: `
CREATE TABLE IF NOT EXISTS transfers (
  uid               TEXT PRIMARY KEY,
  remote_uuid       TEXT NOT NULL,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  start_time        INTEGER NOT NULL,
  status            TEXT NOT NULL,
  error_kind        TEXT NOT NULL DEFAULT '',
  error_detail      TEXT NOT NULL DEFAULT '',
  total_size        INTEGER NOT NULL DEFAULT 0,
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  file_count        INTEGER NOT NULL DEFAULT 0,
  single_file_name  TEXT NOT NULL DEFAULT '',
  single_mime_type  TEXT NOT NULL DEFAULT '',
  top_dir_basenames TEXT NOT NULL DEFAULT '[]',
  sources           TEXT NOT NULL DEFAULT '[]',
  use_compression   INTEGER NOT NULL DEFAULT 0,
  updated_at        INTEGER NOT NULL,
  UNIQUE (remote_uuid, start_time, direction)
);
`,
	},
	{
		name: "transfer lookup index",
		sql: `
CREATE INDEX IF NOT EXISTS idx_transfers_remote_time
ON transfers (remote_uuid, start_time DESC);
`,
	},
	{
		name: "security events",
		sql: `
CREATE TABLE IF NOT EXISTS security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  remote_uuid TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	},
	{
		name: "security event time index",
		sql: `
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	},
	{
		name: "security event remote index",
		sql: `
CREATE INDEX IF NOT EXISTS idx_security_events_remote
ON security_events (remote_uuid, timestamp DESC, id DESC);
`,
	},
}

type migration struct {
	name string
	sql  string
}

// Store persists remotes, pinned certificates, transfer history and security events in SQLite.
type Store struct {
	db *sql.DB

	maintenanceInterval time.Duration
	stop                chan struct{}
	wg                  sync.WaitGroup
	retention           atomic.Int64
	closeOnce           sync.Once
}

// Open opens (or creates) gowarp.db under dataDir.
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

// OpenPath opens the database at dbPath, brings its schema up to date and
// starts the background maintenance loop.
func OpenPath(dbPath string) (*Store, error) {
	// Per-connection settings go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                  db,
		maintenanceInterval: DefaultMaintenanceInterval,
		stop:                make(chan struct{}),
	}
	store.retention.Store(int64(DefaultSecurityEventRetention))

	for _, step := range []func() error{store.configure, store.migrate, store.maintain} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.wg.Add(1)
	go store.maintenanceLoop()
	return store, nil
}

// Close stops maintenance and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// configure switches the database file to WAL. The mode persists in the file.
func (s *Store) configure() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode = WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("set journal mode: sqlite kept %q", mode)
	}
	return nil
}

// migrate applies every pending migration in its own transaction, so a failure
// leaves the schema at the last step that succeeded.
func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if err := s.applyMigration(i+1, migrations[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migrate %s: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migrate %s: %w", m.name, err)
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate %s: %w", m.name, err)
	}
	return nil
}

// maintain truncates the WAL and drops security events past retention.
func (s *Store) maintain() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	if _, err := s.pruneSecurityEvents(time.Now().Add(-s.securityEventRetention())); err != nil {
		return err
	}
	return nil
}

func (s *Store) maintenanceLoop() {
	defer s.wg.Done()
	if s.maintenanceInterval <= 0 {
		<-s.stop
		return
	}
	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.maintain()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) securityEventRetention() time.Duration {
	return time.Duration(s.retention.Load())
}
