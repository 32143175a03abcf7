package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSend marks a transfer initiated by this device.
	DirectionSend = "send"
	// DirectionReceive marks a transfer offered by a remote.
	DirectionReceive = "receive"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// RemoteRecord is the SQLite representation of a known remote device.
type RemoteRecord struct {
	UUID              string
	Hostname          string
	DisplayName       string
	UserName          string
	LastKnownIP       *string
	Port              int
	AuthPort          int
	APIVersion        int
	Favorite          bool
	StaticService     bool
	AddedTimestamp    int64
	LastSeenTimestamp *int64
}

// PinnedCertificate is the certificate a remote presented during pairing.
type PinnedCertificate struct {
	RemoteUUID      string
	CertificatePEM  []byte
	Fingerprint     string
	PinnedTimestamp int64
}

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	UID              string
	RemoteUUID       string
	Direction        string
	StartTime        int64
	Status           string
	ErrorKind        string
	ErrorDetail      string
	TotalSize        int64
	BytesTransferred int64
	FileCount        int64
	SingleFileName   string
	SingleMimeType   string
	TopDirBaseNames  []string
	Sources          []string
	UseCompression   bool
	UpdatedAt        int64
}

// SecurityEvent records a pairing decision worth auditing, such as a pinned
// certificate or a group code mismatch.
type SecurityEvent struct {
	ID         int64
	Type       string
	RemoteUUID string
	Severity   string
	Details    map[string]string
	Time       time.Time
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func encodeStringList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(raw), nil
}

func decodeStringList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return values, nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
