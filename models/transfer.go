package models

import "time"

// Direction tells whether this device sent or received a transfer.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferStatus is the terminal outcome of a transfer.
type TransferStatus string

const (
	TransferComplete TransferStatus = "complete"
	TransferFailed   TransferStatus = "failed"
)

// Transfer describes one single-file transfer in either direction.
type Transfer struct {
	TransferID  string         `json:"transfer_id"`
	Direction   Direction      `json:"direction"`
	PeerAddress string         `json:"peer_address"`
	Filename    string         `json:"filename"`
	Filesize    int64          `json:"filesize"`
	StoredPath  string         `json:"stored_path"`
	Digest      string         `json:"digest"`
	Status      TransferStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// Rate returns the average throughput in bytes per second.
func (t Transfer) Rate() float64 {
	if t.Elapsed <= 0 {
		return 0
	}
	return float64(t.Filesize) / t.Elapsed.Seconds()
}
