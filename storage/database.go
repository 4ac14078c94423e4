package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the journal filename under the data dir.
	DefaultDBFileName = "history.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultRetention is how long journal rows are kept.
	DefaultRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id   TEXT PRIMARY KEY,
  direction     TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_address  TEXT NOT NULL DEFAULT '',
  filename      TEXT NOT NULL,
  filesize      INTEGER NOT NULL DEFAULT 0,
  stored_path   TEXT NOT NULL DEFAULT '',
  digest        TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL CHECK(status IN ('complete','failed')),
  error         TEXT NOT NULL DEFAULT '',
  started_at    INTEGER NOT NULL,
  elapsed_ms    INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_started_at
ON transfers (started_at DESC, transfer_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_time
ON transfers (peer_address, direction, started_at DESC);
`,
}

// Options tunes a Store. Zero values take defaults.
type Options struct {
	WALCheckpointInterval time.Duration
	// Retention prunes rows older than this on every checkpoint. Negative
	// keeps everything.
	Retention time.Duration
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.WALCheckpointInterval == 0 {
		out.WALCheckpointInterval = DefaultWALCheckpointInterval
	}
	if out.Retention == 0 {
		out.Retention = DefaultRetention
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Store is the transfer journal backed by SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	retention             time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) history.db under the given data directory and runs migrations.
func Open(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, options Options) (*Store, error) {
	opts := options.withDefaults()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		log:                   opts.Logger,
		walCheckpointInterval: opts.WALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		retention:             opts.Retention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.maintain(time.Now()); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// maintain prunes expired rows and truncates the WAL.
func (s *Store) maintain(now time.Time) error {
	if s.retention > 0 {
		pruned, err := s.PruneTransfers(now.Add(-s.retention))
		if err != nil {
			return err
		}
		if pruned > 0 {
			s.log.Info("storage: pruned journal", slog.Int64("rows", pruned))
		}
	}
	return s.checkpointWAL()
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				if err := s.maintain(now); err != nil {
					s.log.Warn("storage: maintenance failed", slog.Any("error", err))
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
