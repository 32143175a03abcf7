package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const remoteColumns = `
			uuid,
			hostname,
			display_name,
			user_name,
			last_known_ip,
			port,
			auth_port,
			api_version,
			favorite,
			static_service,
			added_timestamp,
			last_seen_timestamp`

// UpsertRemote inserts a remote or refreshes its addressing and naming fields.
// Favorite and AddedTimestamp are preserved for existing rows.
func (s *Store) UpsertRemote(remote RemoteRecord) error {
	if remote.UUID == "" {
		return errors.New("uuid is required")
	}
	if remote.APIVersion == 0 {
		remote.APIVersion = 1
	}
	if remote.AddedTimestamp == 0 {
		remote.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO remotes (`+remoteColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			hostname = excluded.hostname,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE remotes.display_name END,
			user_name = CASE WHEN excluded.user_name != '' THEN excluded.user_name ELSE remotes.user_name END,
			last_known_ip = COALESCE(excluded.last_known_ip, remotes.last_known_ip),
			port = excluded.port,
			auth_port = excluded.auth_port,
			api_version = excluded.api_version,
			static_service = excluded.static_service,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, remotes.last_seen_timestamp)`,
		remote.UUID,
		remote.Hostname,
		remote.DisplayName,
		remote.UserName,
		nullString(remote.LastKnownIP),
		remote.Port,
		remote.AuthPort,
		remote.APIVersion,
		boolToInt(remote.Favorite),
		boolToInt(remote.StaticService),
		remote.AddedTimestamp,
		nullInt64(remote.LastSeenTimestamp),
	)
	if err != nil {
		return fmt.Errorf("upsert remote %q: %w", remote.UUID, err)
	}

	return nil
}

// GetRemote fetches a remote by UUID.
func (s *Store) GetRemote(uuid string) (*RemoteRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+remoteColumns+`
		FROM remotes
		WHERE uuid = ?`,
		uuid,
	)

	remote, err := scanRemote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get remote %q: %w", uuid, err)
	}

	return remote, nil
}

// ListRemotes returns all remotes, favorites first, then by display name.
func (s *Store) ListRemotes() ([]RemoteRecord, error) {
	rows, err := s.db.Query(
		`SELECT` + remoteColumns + `
		FROM remotes
		ORDER BY favorite DESC, display_name, uuid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	defer rows.Close()

	remotes := make([]RemoteRecord, 0)
	for rows.Next() {
		remote, err := scanRemote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote row: %w", err)
		}
		remotes = append(remotes, *remote)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote rows: %w", err)
	}

	return remotes, nil
}

// SetRemoteFavorite toggles the favorite flag of a known remote.
func (s *Store) SetRemoteFavorite(uuid string, favorite bool) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}

	res, err := s.db.Exec(`UPDATE remotes SET favorite = ? WHERE uuid = ?`, boolToInt(favorite), uuid)
	if err != nil {
		return fmt.Errorf("update remote favorite %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remote favorite %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveRemote deletes a remote and its pinned certificate.
func (s *Store) RemoveRemote(uuid string) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remove remote %q: %w", uuid, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM remotes WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("remove remote %q: %w", uuid, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove remote %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM remote_certificates WHERE remote_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("remove certificate of remote %q: %w", uuid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove remote %q: %w", uuid, err)
	}
	return nil
}

func scanRemote(row scanner) (*RemoteRecord, error) {
	var (
		remote        RemoteRecord
		lastKnownIP   sql.NullString
		lastSeen      sql.NullInt64
		favorite      int
		staticService int
	)
	if err := row.Scan(
		&remote.UUID,
		&remote.Hostname,
		&remote.DisplayName,
		&remote.UserName,
		&lastKnownIP,
		&remote.Port,
		&remote.AuthPort,
		&remote.APIVersion,
		&favorite,
		&staticService,
		&remote.AddedTimestamp,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	remote.LastKnownIP = stringPtr(lastKnownIP)
	remote.LastSeenTimestamp = int64Ptr(lastSeen)
	remote.Favorite = favorite != 0
	remote.StaticService = staticService != 0
	return &remote, nil
}
