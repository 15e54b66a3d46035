package storage

import (
	"path/filepath"
	"testing"
	"time"

	"localshare/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenPath(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string, createdAt time.Time) models.TransferRecord {
	return models.TransferRecord{
		ID:               id,
		Direction:        "inbound",
		Kind:             "file",
		PeerAddress:      "10.0.0.5",
		PeerAlias:        "Bob",
		FileName:         "report.pdf",
		DeclaredSize:     1024,
		BytesTransferred: 1024,
		State:            "completed",
		FinalPath:        "/downloads/report.pdf",
		CreatedAt:        createdAt,
		StateChangedAt:   createdAt,
	}
}

func TestRecordAndList(t *testing.T) {
	store := openTestStore(t)

	store.Record(testRecord("id-1", time.Now()))
	records, err := store.List(10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "id-1" {
		t.Fatalf("expected one record with id id-1, got %+v", records)
	}
}

func TestRecordUpsertsExistingID(t *testing.T) {
	store := openTestStore(t)

	rec := testRecord("id-1", time.Now())
	store.Record(rec)

	rec.State = "failed"
	rec.FailureReason = "disk full"
	store.Record(rec)

	records, err := store.List(10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(records))
	}
	if records[0].State != "failed" || records[0].FailureReason != "disk full" {
		t.Fatalf("expected updated row, got %+v", records[0])
	}
}

func TestPruneKeepsOnlyLimitMostRecent(t *testing.T) {
	store := openTestStore(t)
	store.limit = 3

	base := time.Now()
	for i := 0; i < 5; i++ {
		store.Record(testRecord(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
	}

	records, err := store.List(10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected pruning to keep 3 records, got %d", len(records))
	}
	newest := map[string]bool{"e": true, "d": true, "c": true}
	for _, rec := range records {
		if !newest[rec.ID] {
			t.Fatalf("expected only the 3 newest records to survive pruning, found %q", rec.ID)
		}
	}
}
