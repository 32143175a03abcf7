package storage

import (
	"errors"
	"testing"
)

func TestSaveTransferUpsertsByUID(t *testing.T) {
	store := newTestStore(t)

	record := TransferRecord{
		UID:             "8f8b4a0e-1111-4222-8333-944455556666",
		RemoteUUID:      "PEER-AABBCC",
		Direction:       DirectionSend,
		StartTime:       1_700_000_000_000,
		Status:          "waiting_permission",
		TotalSize:       2048,
		FileCount:       2,
		TopDirBaseNames: []string{"photos", "notes.txt"},
		Sources:         []string{"/home/me/photos", "/home/me/notes.txt"},
		UseCompression:  true,
	}
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("SaveTransfer initial failed: %v", err)
	}

	record.Status = "failed"
	record.ErrorKind = "file_not_found"
	record.ErrorDetail = "/home/me/notes.txt"
	record.BytesTransferred = 1024
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("SaveTransfer update failed: %v", err)
	}

	got, err := store.GetTransfer(record.UID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != "failed" || got.ErrorKind != "file_not_found" || got.BytesTransferred != 1024 {
		t.Fatalf("unexpected stored transfer %+v", got)
	}
	if len(got.TopDirBaseNames) != 2 || got.TopDirBaseNames[0] != "photos" {
		t.Fatalf("unexpected top dir names %v", got.TopDirBaseNames)
	}
	if len(got.Sources) != 2 || got.Sources[1] != "/home/me/notes.txt" {
		t.Fatalf("unexpected sources %v", got.Sources)
	}
	if !got.UseCompression {
		t.Fatalf("expected compression flag to persist")
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, uid := range []string{"t-old", "t-new"} {
		if err := store.SaveTransfer(TransferRecord{
			UID:        uid,
			RemoteUUID: "PEER-AABBCC",
			Direction:  DirectionReceive,
			StartTime:  int64(1000 + i),
			Status:     "finished",
		}); err != nil {
			t.Fatalf("SaveTransfer %q failed: %v", uid, err)
		}
	}

	records, err := store.ListTransfers("PEER-AABBCC", 0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 2 || records[0].UID != "t-new" {
		t.Fatalf("unexpected history order %+v", records)
	}

	if err := store.DeleteTransfer("t-old"); err != nil {
		t.Fatalf("DeleteTransfer failed: %v", err)
	}
	if _, err := store.GetTransfer("t-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSaveTransferRejectsInvalidDirection(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveTransfer(TransferRecord{
		UID:        "t-1",
		RemoteUUID: "PEER",
		Direction:  "sideways",
		Status:     "finished",
	})
	if err == nil {
		t.Fatalf("expected invalid direction to fail")
	}
}
