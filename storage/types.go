package storage

import (
	"errors"
	"fmt"

	"gesturedrop/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferFilter narrows ListTransfers. Zero fields match everything.
type TransferFilter struct {
	Direction   models.Direction
	PeerAddress string
	Status      models.TransferStatus
	Limit       int
}

// Summary aggregates journal rows per direction.
type Summary struct {
	Direction models.Direction
	Complete  int
	Failed    int
	Bytes     int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status models.TransferStatus) error {
	switch status {
	case models.TransferComplete, models.TransferFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}
