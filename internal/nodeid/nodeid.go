// Package nodeid derives a node's stable cryptographic fingerprint from
// its mix keypair. A node-id is the lowercase hex SHA-256 digest of the
// node's 32-byte X25519 public key: it stays the same for as long as
// the same keypair is used, and is directly comparable as a big-endian
// integer for XOR-distance path selection. This package does not
// persist keypairs; cmd/meshnode generates a new keypair at each start,
// so a restarted node has a new node-id.
package nodeid

import (
	"crypto/sha256"
	"encoding/hex"
)

// FromPublicKey derives the hex node-id for a 32-byte mix public key.
func FromPublicKey(pub [32]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}
