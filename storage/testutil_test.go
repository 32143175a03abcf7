package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertRemote(t *testing.T, store *Store, uuid, name string) {
	t.Helper()

	ip := "192.168.1.50"
	err := store.UpsertRemote(RemoteRecord{
		UUID:        uuid,
		Hostname:    "host-" + uuid,
		DisplayName: name,
		LastKnownIP: &ip,
		Port:        42000,
		AuthPort:    42001,
		APIVersion:  2,
	})
	if err != nil {
		t.Fatalf("upsert remote %q: %v", uuid, err)
	}
}
