package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const transferColumns = `
			uid,
			remote_uuid,
			direction,
			start_time,
			status,
			error_kind,
			error_detail,
			total_size,
			bytes_transferred,
			file_count,
			single_file_name,
			single_mime_type,
			top_dir_basenames,
			sources,
			use_compression,
			updated_at`

// SaveTransfer inserts or replaces the history row of a transfer.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.UID == "" {
		return errors.New("uid is required")
	}
	if record.RemoteUUID == "" {
		return errors.New("remote_uuid is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if strings.TrimSpace(record.Status) == "" {
		return errors.New("status is required")
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}

	topDirs, err := encodeStringList(record.TopDirBaseNames)
	if err != nil {
		return err
	}
	sources, err := encodeStringList(record.Sources)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			status = excluded.status,
			error_kind = excluded.error_kind,
			error_detail = excluded.error_detail,
			total_size = excluded.total_size,
			bytes_transferred = excluded.bytes_transferred,
			file_count = excluded.file_count,
			single_file_name = excluded.single_file_name,
			single_mime_type = excluded.single_mime_type,
			top_dir_basenames = excluded.top_dir_basenames,
			sources = excluded.sources,
			use_compression = excluded.use_compression,
			updated_at = excluded.updated_at`,
		record.UID,
		record.RemoteUUID,
		record.Direction,
		record.StartTime,
		record.Status,
		record.ErrorKind,
		record.ErrorDetail,
		record.TotalSize,
		record.BytesTransferred,
		record.FileCount,
		record.SingleFileName,
		record.SingleMimeType,
		topDirs,
		sources,
		boolToInt(record.UseCompression),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.UID, err)
	}

	return nil
}

// GetTransfer fetches one transfer history row by UID.
func (s *Store) GetTransfer(uid string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE uid = ?`,
		uid,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", uid, err)
	}
	return record, nil
}

// ListTransfers returns the newest-first history of one remote; limit <= 0 means 100.
func (s *Store) ListTransfers(remoteUUID string, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE remote_uuid = ?
		ORDER BY start_time DESC, uid
		LIMIT ?`,
		remoteUUID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers for %q: %w", remoteUUID, err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}

// DeleteTransfer removes a transfer from history.
func (s *Store) DeleteTransfer(uid string) error {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("delete transfer %q: %w", uid, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete transfer %q: %w", uid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record         TransferRecord
		topDirs        string
		sources        string
		useCompression int
	)
	if err := row.Scan(
		&record.UID,
		&record.RemoteUUID,
		&record.Direction,
		&record.StartTime,
		&record.Status,
		&record.ErrorKind,
		&record.ErrorDetail,
		&record.TotalSize,
		&record.BytesTransferred,
		&record.FileCount,
		&record.SingleFileName,
		&record.SingleMimeType,
		&topDirs,
		&sources,
		&useCompression,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if record.TopDirBaseNames, err = decodeStringList(topDirs); err != nil {
		return nil, err
	}
	if record.Sources, err = decodeStringList(sources); err != nil {
		return nil, err
	}
	record.UseCompression = useCompression != 0
	return &record, nil
}
