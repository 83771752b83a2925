// Package sealedstore implements the Sealed Envelope: the passphrase-
// protected on-disk container holding a node's Beacon Key and File Key.
//
// The on-disk layout is byte-exact:
//
//	"MENV1" (5B) ‖ salt (16B) ‖ nonce (24B) ‖ reserved-length (4B BE) ‖ ciphertext
//
// The symmetric key is derived from the passphrase and salt with
// Argon2id; the ciphertext is sealed with XChaCha20-Poly1305 under an
// empty AAD, following the KDF/AEAD pairing the donor's
// internal/securestore package already uses for its own envelope.
package sealedstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	magic      = "MENV1"
	saltSize   = 16
	nonceSize  = 24
	headerSize = len(magic) + saltSize + nonceSize + 4

	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
	keySize      = 32
)

var (
	// ErrAlreadyExists is returned by Provision when the target file
	// exists and overwrite was not requested.
	ErrAlreadyExists = errors.New("sealedstore: envelope already exists")
	// ErrBadFormat is returned when the on-disk bytes do not match the
	// byte-exact layout.
	ErrBadFormat = errors.New("sealedstore: bad envelope format")
	// ErrWrongPassphrase is returned when AEAD authentication fails.
	ErrWrongPassphrase = errors.New("sealedstore: wrong passphrase or corrupt envelope")
)

// Envelope is the plaintext protected by the Sealed Envelope: two
// independent 32-byte keys, each serialized base64url for the
// two-field record the spec calls for.
type Envelope struct {
	BeaconKey [32]byte
	FileKey   [32]byte
}

type plainRecord struct {
	BeaconKeyB64 string `json:"beacon_key_b64"`
	FileKeyB64   string `json:"file_key_b64"`
}

func (e Envelope) marshal() ([]byte, error) {
	return json.Marshal(plainRecord{
		BeaconKeyB64: base64.RawURLEncoding.EncodeToString(e.BeaconKey[:]),
		FileKeyB64:   base64.RawURLEncoding.EncodeToString(e.FileKey[:]),
	})
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var rec plainRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	beaconKey, err := base64.RawURLEncoding.DecodeString(rec.BeaconKeyB64)
	if err != nil || len(beaconKey) != 32 {
		return Envelope{}, ErrBadFormat
	}
	fileKey, err := base64.RawURLEncoding.DecodeString(rec.FileKeyB64)
	if err != nil || len(fileKey) != 32 {
		return Envelope{}, ErrBadFormat
	}
	var out Envelope
	copy(out.BeaconKey[:], beaconKey)
	copy(out.FileKey[:], fileKey)
	return out, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
}

// NewRandomEnvelope mints two independent uniformly random 32-byte keys.
func NewRandomEnvelope() (Envelope, error) {
	var e Envelope
	if _, err := rand.Read(e.BeaconKey[:]); err != nil {
		return Envelope{}, err
	}
	if _, err := rand.Read(e.FileKey[:]); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Provision creates a new sealed envelope file at path. If the file
// already exists and overwrite is false, ErrAlreadyExists is returned.
// If overwrite is true, the existing file is renamed to a ".backup"
// sibling before the new one is written.
func Provision(path, passphrase string, overwrite bool) (Envelope, error) {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return Envelope{}, ErrAlreadyExists
		}
		if err := os.Rename(path, path+".backup"); err != nil {
			return Envelope{}, fmt.Errorf("sealedstore: backup existing envelope: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Envelope{}, err
	}

	env, err := NewRandomEnvelope()
	if err != nil {
		return Envelope{}, err
	}
	if err := seal(path, passphrase, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Open parses the framed layout, derives the KDF key from passphrase
// and salt, and authenticates/decrypts the ciphertext.
func Open(path, passphrase string) (Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	if len(raw) < headerSize || string(raw[:len(magic)]) != magic {
		return Envelope{}, ErrBadFormat
	}
	off := len(magic)
	salt := raw[off : off+saltSize]
	off += saltSize
	nonce := raw[off : off+nonceSize]
	off += nonceSize
	reservedLen := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	ciphertext := raw[off:]
	if uint32(len(ciphertext)) != reservedLen {
		return Envelope{}, ErrBadFormat
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return Envelope{}, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Envelope{}, ErrWrongPassphrase
	}
	return unmarshalEnvelope(plaintext)
}

// Reseal writes env back to path under a fresh salt and nonce,
// overwriting the previous contents.
func Reseal(path, passphrase string, env Envelope) error {
	return seal(path, passphrase, env)
}

func seal(path, passphrase string, env Envelope) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	plaintext, err := env.marshal()
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	buf := make([]byte, 0, headerSize+len(ciphertext))
	buf = append(buf, magic...)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(ciphertext)))
	buf = append(buf, lenBuf...)
	buf = append(buf, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}
