package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gesturedrop/models"
)

// SaveTransfer inserts a journal row, replacing one with the same ID.
func (s *Store) SaveTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateStatus(transfer.Status); err != nil {
		return err
	}
	startedAt := transfer.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_address,
			filename,
			filesize,
			stored_path,
			digest,
			status,
			error,
			started_at,
			elapsed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			stored_path = excluded.stored_path,
			digest = excluded.digest,
			elapsed_ms = excluded.elapsed_ms`,
		transfer.TransferID,
		string(transfer.Direction),
		transfer.PeerAddress,
		transfer.Filename,
		transfer.Filesize,
		transfer.StoredPath,
		transfer.Digest,
		string(transfer.Status),
		transfer.Error,
		startedAt.UnixMilli(),
		transfer.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// GetTransferByID fetches one journal row.
func (s *Store) GetTransferByID(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			direction,
			peer_address,
			filename,
			filesize,
			stored_path,
			digest,
			status,
			error,
			started_at,
			elapsed_ms
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns journal rows, newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.Transfer, error) {
	query := `SELECT
		transfer_id,
		direction,
		peer_address,
		filename,
		filesize,
		stored_path,
		digest,
		status,
		error,
		started_at,
		elapsed_ms
	FROM transfers
	WHERE 1 = 1`
	args := make([]any, 0, 4)
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}
	if filter.Status != "" {
		if err := validateStatus(filter.Status); err != nil {
			return nil, err
		}
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.PeerAddress != "" {
		query += " AND peer_address = ?"
		args = append(args, filter.PeerAddress)
	}
	query += " ORDER BY started_at DESC, transfer_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// Summaries counts outcomes and completed bytes per direction.
func (s *Store) Summaries() ([]Summary, error) {
	rows, err := s.db.Query(
		`SELECT
			direction,
			SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			COALESCE(SUM(CASE WHEN status = 'complete' THEN filesize ELSE 0 END), 0)
		FROM transfers
		GROUP BY direction
		ORDER BY direction`,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize transfers: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0, 2)
	for rows.Next() {
		var (
			summary   Summary
			direction string
		)
		if err := rows.Scan(&direction, &summary.Complete, &summary.Failed, &summary.Bytes); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summary.Direction = models.Direction(direction)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return summaries, nil
}

// PruneTransfers removes rows started before cutoff.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff must be set")
	}

	res, err := s.db.Exec(`DELETE FROM transfers WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

// Recorder adapts SaveTransfer to the sender and server observer hooks.
// Journal failures are logged and never reach the transfer path.
func (s *Store) Recorder() func(models.Transfer) {
	return func(transfer models.Transfer) {
		if err := s.SaveTransfer(transfer); err != nil {
			s.log.Warn("storage: journal write failed",
				slog.String("transfer_id", transfer.TransferID),
				slog.Any("error", err))
		}
	}
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		transfer  models.Transfer
		direction string
		status    string
		startedAt int64
		elapsedMS int64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&direction,
		&transfer.PeerAddress,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.StoredPath,
		&transfer.Digest,
		&status,
		&transfer.Error,
		&startedAt,
		&elapsedMS,
	); err != nil {
		return nil, err
	}

	transfer.Direction = models.Direction(direction)
	transfer.Status = models.TransferStatus(status)
	transfer.StartedAt = time.UnixMilli(startedAt)
	transfer.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return &transfer, nil
}
