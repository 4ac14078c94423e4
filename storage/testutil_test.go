package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"gesturedrop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, Options{Retention: -1})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, direction models.Direction, peer string, status models.TransferStatus, startedAt time.Time) models.Transfer {
	t.Helper()

	transfer := models.Transfer{
		TransferID:  uuid.NewString(),
		Direction:   direction,
		PeerAddress: peer,
		Filename:    "shot.png",
		Filesize:    1000,
		Status:      status,
		StartedAt:   startedAt,
		Elapsed:     250 * time.Millisecond,
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("save transfer: %v", err)
	}
	return transfer
}
