package peerdir

import (
	"path/filepath"
	"testing"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

func TestUpsertLastSeenMonotonic(t *testing.T) {
	d := New()
	d.Upsert(wire.PeerRecord{NodeID: "n1", LastSeen: 100})
	d.Upsert(wire.PeerRecord{NodeID: "n1", LastSeen: 50})

	rec, ok := d.Get("n1")
	if !ok {
		t.Fatalf("expected n1 present")
	}
	if rec.LastSeen != 100 {
		t.Fatalf("expected last-seen to stay at 100, got %d", rec.LastSeen)
	}
}

func TestListIsValueCopy(t *testing.T) {
	d := New()
	d.Upsert(wire.PeerRecord{NodeID: "n1", LastSeen: 1})
	snap := d.List()
	snap[0].LastSeen = 999

	rec, _ := d.Get("n1")
	if rec.LastSeen != 1 {
		t.Fatalf("mutating a List() snapshot must not affect the directory")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := New()
	d.Upsert(wire.PeerRecord{NodeID: "n1", Addr: "10.0.0.1:8080", LastSeen: 1})
	d.Upsert(wire.PeerRecord{NodeID: "n2", Addr: "10.0.0.2:8080", LastSeen: 2})

	var fileKey [32]byte
	for i := range fileKey {
		fileKey[i] = byte(i)
	}

	path := filepath.Join(t.TempDir(), "peers.enc")
	if err := d.Save(path, fileKey); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snapshot, err := Load(path, fileKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snapshot))
	}

	restored := New()
	if n := restored.Merge(snapshot); n != 2 {
		t.Fatalf("expected merge count 2, got %d", n)
	}
}

func TestLoadWrongKeyFails(t *testing.T) {
	d := New()
	d.Upsert(wire.PeerRecord{NodeID: "n1", LastSeen: 1})

	var key1, key2 [32]byte
	key2[0] = 1

	path := filepath.Join(t.TempDir(), "peers.enc")
	if err := d.Save(path, key1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path, key2); err == nil {
		t.Fatalf("expected Load under the wrong key to fail")
	}
}
