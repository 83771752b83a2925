package beacon

import (
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

const (
	magic     = "MIXB1"
	nonceSize = chacha20poly1305.NonceSizeX
)

// ErrBadDatagram covers truncation and magic mismatch; both are
// treated as a silent drop by the receiver.
var ErrBadDatagram = errors.New("beacon: malformed datagram")

// Seal encodes and encrypts a beacon under beaconKey, producing the
// byte-exact wire form: "MIXB1" (5B) ‖ nonce (24B) ‖ AEAD ciphertext.
func Seal(b wire.Beacon, beaconKey [32]byte) ([]byte, error) {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(beaconKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(magic)+nonceSize+len(ciphertext))
	out = append(out, magic...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open parses and decrypts a datagram under beaconKey. Any failure
// (truncation, magic mismatch, AEAD auth failure) is reported as an
// error so the caller can silently drop it.
func Open(datagram []byte, beaconKey [32]byte) (wire.Beacon, error) {
	if len(datagram) < len(magic)+nonceSize {
		return wire.Beacon{}, ErrBadDatagram
	}
	if string(datagram[:len(magic)]) != magic {
		return wire.Beacon{}, ErrBadDatagram
	}
	nonce := datagram[len(magic) : len(magic)+nonceSize]
	ciphertext := datagram[len(magic)+nonceSize:]

	aead, err := chacha20poly1305.NewX(beaconKey[:])
	if err != nil {
		return wire.Beacon{}, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return wire.Beacon{}, ErrBadDatagram
	}

	var b wire.Beacon
	if err := wire.DecodeStrict(plaintext, &b); err != nil {
		return wire.Beacon{}, ErrBadDatagram
	}
	return b, nil
}
