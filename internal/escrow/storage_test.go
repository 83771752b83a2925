package escrow

import (
	"encoding/base64"
	"path/filepath"
	"testing"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "escrow.db"), "test-master-key")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsEmptyMasterKey(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "escrow.db"), ""); err != ErrNoMasterKey {
		t.Fatalf("expected ErrNoMasterKey, got %v", err)
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	if err := s.SaveKey("abc123", "n1", key, "doc.txt"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	rec, err := s.GetKey("abc123")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.KeyB64 != key || rec.OriginNodeID != "n1" || rec.FileName != "doc.txt" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestGetUnknownHashReturnsNilRecord(t *testing.T) {
	s := openTestStorage(t)
	rec, err := s.GetKey("nope")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestDeleteRequiresMatchingOrigin(t *testing.T) {
	s := openTestStorage(t)
	key := base64.StdEncoding.EncodeToString([]byte("key-bytes"))
	if err := s.SaveKey("h1", "n1", key, "a.bin"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	deleted, err := s.DeleteKey("h1", "n2")
	if err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if deleted {
		t.Fatal("expected delete by non-owner to report false")
	}
	if rec, _ := s.GetKey("h1"); rec == nil {
		t.Fatal("key should still be present after rejected delete")
	}

	deleted, err = s.DeleteKey("h1", "n1")
	if err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete by owner to succeed")
	}
	if rec, _ := s.GetKey("h1"); rec != nil {
		t.Fatal("key should be gone after owner delete")
	}
}

func TestListKeysScopedToNode(t *testing.T) {
	s := openTestStorage(t)
	key := base64.StdEncoding.EncodeToString([]byte("key-bytes"))
	if err := s.SaveKey("h1", "n1", key, "a.bin"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	if err := s.SaveKey("h2", "n2", key, "b.bin"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	recs, err := s.ListKeys("n1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(recs) != 1 || recs[0].FileHash != "h1" {
		t.Fatalf("unexpected list: %+v", recs)
	}
}
