// Package peerdir implements the Peer Directory: an in-memory mapping
// of node-id to PeerRecord, periodically re-sealed to disk under the
// File Key. The locking discipline mirrors the donor's
// internal/storage.MessageStore: readers take an RLock and receive a
// value-copy snapshot, writers take a full Lock and replace the map
// wholesale rather than mutating it in place.
package peerdir

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// ErrNotConfigured reports that no file key is set. Load and Save do
// not check the key (an all-zero key is used as given) and never
// return it.
var ErrNotConfigured = errors.New("peerdir: no file key configured")

// Directory is the live, in-memory peer table.
type Directory struct {
	mu      sync.RWMutex
	records map[string]wire.PeerRecord
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{records: make(map[string]wire.PeerRecord)}
}

// Upsert inserts or updates a peer record, enforcing that last-seen
// never moves backwards for a given node-id.
func (d *Directory) Upsert(rec wire.PeerRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.records[rec.NodeID]; ok && existing.LastSeen > rec.LastSeen {
		rec.LastSeen = existing.LastSeen
	}
	next := make(map[string]wire.PeerRecord, len(d.records)+1)
	for k, v := range d.records {
		next[k] = v
	}
	next[rec.NodeID] = rec
	d.records = next
}

// List returns a value-copy snapshot; callers cannot mutate the live
// directory through the returned slice.
func (d *Directory) List() []wire.PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wire.PeerRecord, 0, len(d.records))
	for _, v := range d.records {
		out = append(out, v)
	}
	return out
}

// Get returns a single record by node-id.
func (d *Directory) Get(nodeID string) (wire.PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[nodeID]
	return rec, ok
}

// Merge upserts every record in snapshot and returns the count merged.
func (d *Directory) Merge(snapshot []wire.PeerRecord) int {
	for _, rec := range snapshot {
		d.Upsert(rec)
	}
	return len(snapshot)
}

// Save re-seals the directory to path under fileKey: nonce (24B) ‖
// AEAD ciphertext of the JSON-encoded record list.
func (d *Directory) Save(path string, fileKey [32]byte) error {
	snapshot := d.List()
	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(fileKey[:])
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}

// Load attempts a best-effort restore from path. Any failure is
// reported to the caller for logging; the directory is left unchanged
// so the caller can fall back to starting empty.
func Load(path string, fileKey [32]byte) ([]wire.PeerRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("peerdir: snapshot truncated")
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	ciphertext := raw[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(fileKey[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	var snapshot []wire.PeerRecord
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}
