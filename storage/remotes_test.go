package storage

import (
	"errors"
	"testing"
)

func TestUpsertRemotePreservesFavoriteAndNames(t *testing.T) {
	store := newTestStore(t)
	mustUpsertRemote(t, store, "DESK-112233", "Desk")

	if err := store.SetRemoteFavorite("DESK-112233", true); err != nil {
		t.Fatalf("SetRemoteFavorite failed: %v", err)
	}

	newIP := "192.168.1.77"
	if err := store.UpsertRemote(RemoteRecord{
		UUID:        "DESK-112233",
		Hostname:    "desk",
		LastKnownIP: &newIP,
		Port:        42010,
		AuthPort:    42011,
		APIVersion:  2,
	}); err != nil {
		t.Fatalf("UpsertRemote refresh failed: %v", err)
	}

	got, err := store.GetRemote("DESK-112233")
	if err != nil {
		t.Fatalf("GetRemote failed: %v", err)
	}
	if !got.Favorite {
		t.Fatalf("expected favorite to survive upsert")
	}
	if got.DisplayName != "Desk" {
		t.Fatalf("expected display name to survive empty update, got %q", got.DisplayName)
	}
	if got.LastKnownIP == nil || *got.LastKnownIP != newIP {
		t.Fatalf("expected last known ip %q, got %v", newIP, got.LastKnownIP)
	}
	if got.Port != 42010 || got.AuthPort != 42011 {
		t.Fatalf("unexpected ports %d/%d", got.Port, got.AuthPort)
	}
}

func TestListRemotesOrdersFavoritesFirst(t *testing.T) {
	store := newTestStore(t)
	mustUpsertRemote(t, store, "A-000001", "Alpha")
	mustUpsertRemote(t, store, "Z-000002", "Zulu")

	if err := store.SetRemoteFavorite("Z-000002", true); err != nil {
		t.Fatalf("SetRemoteFavorite failed: %v", err)
	}

	remotes, err := store.ListRemotes()
	if err != nil {
		t.Fatalf("ListRemotes failed: %v", err)
	}
	if len(remotes) != 2 {
		t.Fatalf("expected 2 remotes, got %d", len(remotes))
	}
	if remotes[0].UUID != "Z-000002" {
		t.Fatalf("expected favorite first, got %q", remotes[0].UUID)
	}
}

func TestRemoveRemoteDropsPinnedCertificate(t *testing.T) {
	store := newTestStore(t)
	mustUpsertRemote(t, store, "GONE-ABCDEF", "Gone")

	if _, err := store.PinCertificate(PinnedCertificate{
		RemoteUUID:     "GONE-ABCDEF",
		CertificatePEM: []byte("-----BEGIN CERTIFICATE-----"),
		Fingerprint:    "ff00",
	}); err != nil {
		t.Fatalf("PinCertificate failed: %v", err)
	}

	if err := store.RemoveRemote("GONE-ABCDEF"); err != nil {
		t.Fatalf("RemoveRemote failed: %v", err)
	}
	if _, err := store.GetRemote("GONE-ABCDEF"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for removed remote, got %v", err)
	}
	if _, err := store.GetPinnedCertificate("GONE-ABCDEF"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pinned certificate to be removed, got %v", err)
	}
	if err := store.RemoveRemote("GONE-ABCDEF"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}
