package nodeid

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// Keypair is a node's long-lived X25519 mix keypair. The private scalar
// never leaves the process; only Public is advertised in beacons and
// peer records.
type Keypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeypair mints a fresh X25519 keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return Keypair{}, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 shared secret against a peer's
// public key.
func (kp Keypair) SharedSecret(peerPub [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(kp.Private[:], peerPub[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}
