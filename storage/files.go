package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// RecordTransfer stores the outcome of one file transfer.
func (s *Store) RecordTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.Timestamp == 0 {
		transfer.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			bytes_transferred,
			stored_path,
			checksum,
			transfer_status,
			error,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.PeerID,
		transfer.Direction,
		transfer.Filename,
		transfer.Filesize,
		transfer.BytesTransferred,
		nullString(stringPointer(transfer.StoredPath)),
		nullString(stringPointer(transfer.Checksum)),
		transfer.Status,
		nullString(stringPointer(transfer.Error)),
		transfer.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// GetTransfer fetches one transfer record.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			bytes_transferred,
			stored_path,
			checksum,
			transfer_status,
			error,
			timestamp
		FROM files
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

// ListTransfers returns transfers with peerID, newest first.
func (s *Store) ListTransfers(peerID string) ([]Transfer, error) {
	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			bytes_transferred,
			stored_path,
			checksum,
			transfer_status,
			error,
			timestamp
		FROM files
		WHERE peer_id = ?
		ORDER BY timestamp DESC, transfer_id`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		storedPath sql.NullString
		checksum   sql.NullString
		errText    sql.NullString
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.PeerID,
		&transfer.Direction,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.BytesTransferred,
		&storedPath,
		&checksum,
		&transfer.Status,
		&errText,
		&transfer.Timestamp,
	); err != nil {
		return nil, err
	}
	transfer.StoredPath = storedPath.String
	transfer.Checksum = checksum.String
	transfer.Error = errText.String
	return &transfer, nil
}
