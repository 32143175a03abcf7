package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// PinCertificate stores (or replaces) the certificate a remote presented.
// It reports whether the stored certificate changed.
func (s *Store) PinCertificate(cert PinnedCertificate) (bool, error) {
	if cert.RemoteUUID == "" {
		return false, errors.New("remote_uuid is required")
	}
	if len(cert.CertificatePEM) == 0 {
		return false, errors.New("certificate_pem is required")
	}
	if cert.Fingerprint == "" {
		return false, errors.New("fingerprint is required")
	}
	if cert.PinnedTimestamp == 0 {
		cert.PinnedTimestamp = nowUnixMilli()
	}

	previous, err := s.GetPinnedCertificate(cert.RemoteUUID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if previous != nil && previous.Fingerprint == cert.Fingerprint {
		return false, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO remote_certificates (
			remote_uuid,
			certificate_pem,
			fingerprint,
			pinned_timestamp
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(remote_uuid) DO UPDATE SET
			certificate_pem = excluded.certificate_pem,
			fingerprint = excluded.fingerprint,
			pinned_timestamp = excluded.pinned_timestamp`,
		cert.RemoteUUID,
		string(cert.CertificatePEM),
		cert.Fingerprint,
		cert.PinnedTimestamp,
	)
	if err != nil {
		return false, fmt.Errorf("pin certificate for %q: %w", cert.RemoteUUID, err)
	}

	return true, nil
}

// GetPinnedCertificate returns the certificate pinned for a remote.
func (s *Store) GetPinnedCertificate(remoteUUID string) (*PinnedCertificate, error) {
	var (
		cert    PinnedCertificate
		pemText string
	)
	err := s.db.QueryRow(
		`SELECT
			remote_uuid,
			certificate_pem,
			fingerprint,
			pinned_timestamp
		FROM remote_certificates
		WHERE remote_uuid = ?`,
		remoteUUID,
	).Scan(&cert.RemoteUUID, &pemText, &cert.Fingerprint, &cert.PinnedTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pinned certificate %q: %w", remoteUUID, err)
	}

	cert.CertificatePEM = []byte(pemText)
	return &cert, nil
}

// DeletePinnedCertificate forgets the certificate pinned for a remote.
func (s *Store) DeletePinnedCertificate(remoteUUID string) error {
	res, err := s.db.Exec(`DELETE FROM remote_certificates WHERE remote_uuid = ?`, remoteUUID)
	if err != nil {
		return fmt.Errorf("delete pinned certificate %q: %w", remoteUUID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for pinned certificate %q: %w", remoteUUID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
