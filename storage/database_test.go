package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gesturedrop/models"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	var count int
	if err := store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
		"transfers",
	).Scan(&count); err != nil {
		t.Fatalf("check transfers table: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected table transfers to exist")
	}
}

func TestReopenKeepsRowsAndPrunesExpired(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir, Options{Retention: -1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	old := mustSaveTransfer(t, store, models.DirectionSend, "192.168.1.4", models.TransferComplete, time.Now().Add(-48*time.Hour))
	recent := mustSaveTransfer(t, store, models.DirectionSend, "192.168.1.4", models.TransferComplete, time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir, Options{Retention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	if _, err := reopened.GetTransferByID(old.TransferID); err != ErrNotFound {
		t.Fatalf("expected expired row to be pruned, got %v", err)
	}
	if _, err := reopened.GetTransferByID(recent.TransferID); err != nil {
		t.Fatalf("expected recent row to survive: %v", err)
	}
}
