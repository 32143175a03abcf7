package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSecurityEventRetention sets how long security events are kept. Zero restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.retention.Store(int64(retention))
}

// LogSecurityEvent appends event and drops events older than the retention window.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("security event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	details := "{}"
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode security event details: %w", err)
		}
		details = string(raw)
	}

	var remote sql.NullString
	if uuid := strings.TrimSpace(event.RemoteUUID); uuid != "" {
		remote = sql.NullString{String: uuid, Valid: true}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, remote_uuid, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.Type, remote, details, event.Severity, event.Time.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.Type, err)
	}

	if _, err := s.pruneSecurityEvents(time.Now().Add(-s.securityEventRetention())); err != nil {
		return err
	}
	return nil
}

// ListSecurityEvents returns up to limit events for remoteUUID, newest first.
// An empty remoteUUID lists events of every remote.
func (s *Store) ListSecurityEvents(remoteUUID string, limit int) ([]SecurityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, event_type, remote_uuid, details, severity, timestamp FROM security_events`
	args := make([]any, 0, 2)
	if remoteUUID != "" {
		query += ` WHERE remote_uuid = ?`
		args = append(args, remoteUUID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

func (s *Store) pruneSecurityEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event   SecurityEvent
		remote  sql.NullString
		details string
		millis  int64
	)
	if err := row.Scan(&event.ID, &event.Type, &remote, &details, &event.Severity, &millis); err != nil {
		return SecurityEvent{}, err
	}
	event.RemoteUUID = remote.String
	event.Time = time.UnixMilli(millis)
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return SecurityEvent{}, fmt.Errorf("decode details: %w", err)
		}
	}
	return event, nil
}
