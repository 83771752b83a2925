package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// deriveSymKeyFromPEM hashes a PEM file's bytes to a 32-byte symmetric
// key. This is the second, PEM-derived key pathway for peer snapshots
// named in spec §9, kept distinct from the File Key used by
// peerdir.Save/Load: /peers/publish and /peers/fetch use the PEM file
// named by the request's pem query parameter, while the periodic
// backup snapshot uses the Sealed Envelope's File Key.
func deriveSymKeyFromPEM(pemPath string) ([32]byte, error) {
	var key [32]byte
	b, err := os.ReadFile(pemPath)
	if err != nil {
		return key, err
	}
	key = sha256.Sum256(b)
	return key, nil
}

type peerSnapshotPEM struct {
	Version int               `json:"version"`
	NodeID  string            `json:"node_id"`
	Created time.Time         `json:"created"`
	Peers   []wire.PeerRecord `json:"peers"`
}

func encryptSnapshotPEM(key [32]byte, snap peerSnapshotPEM) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	return append(nonce, ct...), nil
}

func decryptSnapshotPEM(key [32]byte, blob []byte) (peerSnapshotPEM, error) {
	var snap peerSnapshotPEM
	if len(blob) < chacha20poly1305.NonceSizeX {
		return snap, errors.New("httpapi: pem snapshot truncated")
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return snap, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(plain, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}
