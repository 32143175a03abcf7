package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestPinCertificateReportsChanges(t *testing.T) {
	store := newTestStore(t)

	changed, err := store.PinCertificate(PinnedCertificate{
		RemoteUUID:     "PEER-010203",
		CertificatePEM: []byte("first"),
		Fingerprint:    "aa",
	})
	if err != nil {
		t.Fatalf("PinCertificate first failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected first pin to report a change")
	}

	changed, err = store.PinCertificate(PinnedCertificate{
		RemoteUUID:     "PEER-010203",
		CertificatePEM: []byte("first"),
		Fingerprint:    "aa",
	})
	if err != nil {
		t.Fatalf("PinCertificate repeat failed: %v", err)
	}
	if changed {
		t.Fatalf("expected identical pin to report no change")
	}

	changed, err = store.PinCertificate(PinnedCertificate{
		RemoteUUID:     "PEER-010203",
		CertificatePEM: []byte("second"),
		Fingerprint:    "bb",
	})
	if err != nil {
		t.Fatalf("PinCertificate rotation failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected rotated certificate to report a change")
	}

	got, err := store.GetPinnedCertificate("PEER-010203")
	if err != nil {
		t.Fatalf("GetPinnedCertificate failed: %v", err)
	}
	if !bytes.Equal(got.CertificatePEM, []byte("second")) || got.Fingerprint != "bb" {
		t.Fatalf("unexpected pinned certificate %+v", got)
	}

	if err := store.DeletePinnedCertificate("PEER-010203"); err != nil {
		t.Fatalf("DeletePinnedCertificate failed: %v", err)
	}
	if _, err := store.GetPinnedCertificate("PEER-010203"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPinCertificateValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.PinCertificate(PinnedCertificate{CertificatePEM: []byte("x"), Fingerprint: "x"}); err == nil {
		t.Fatalf("expected missing remote uuid to fail")
	}
	if _, err := store.PinCertificate(PinnedCertificate{RemoteUUID: "X", Fingerprint: "x"}); err == nil {
		t.Fatalf("expected missing pem to fail")
	}
}
