package mixrelay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lattice-mesh/meshnet/internal/nodeid"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

func hopKey(kp nodeid.Keypair, hopPub [32]byte) ([32]byte, error) {
	shared, err := kp.SharedSecret(hopPub)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(shared[:]), nil
}

// BuildOnion layers path from the innermost (destination) outward,
// returning the serialized outer packet ready to send to path[0].
func BuildOnion(path []wire.PeerRecord, final wire.FinalEnvelope, ttl int) ([]byte, error) {
	inner, err := json.Marshal(final)
	if err != nil {
		return nil, err
	}

	for i := len(path) - 1; i >= 0; i-- {
		hop := path[i]
		pub, err := decodePub(hop.PubKeyB64)
		if err != nil {
			return nil, err
		}

		next := ""
		if i+1 < len(path) {
			next = path[i+1].Addr
		}
		layer := wire.OnionLayer{
			Next:       next,
			PayloadB64: base64.RawURLEncoding.EncodeToString(inner),
			Meta: wire.OnionLayerMeta{
				Final: i == len(path)-1,
				MsgID: final.MsgID,
				TTL:   ttl,
			},
		}

		ephemeral, err := nodeid.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		shared, err := ephemeral.SharedSecret(pub)
		if err != nil {
			return nil, err
		}
		key := sha256.Sum256(shared[:])

		plaintext, err := json.Marshal(layer)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		ciphertext := aead.Seal(nil, nonce, plaintext, nil)

		pkt := wire.OnionPacket{
			EphemeralPubB64: base64.RawURLEncoding.EncodeToString(ephemeral.Public[:]),
			CiphertextB64:   base64.RawURLEncoding.EncodeToString(append(nonce, ciphertext...)),
		}
		inner, err = json.Marshal(pkt)
		if err != nil {
			return nil, err
		}
	}
	return inner, nil
}

func decodePub(b64 string) ([32]byte, error) {
	var out [32]byte
	dec, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil || len(dec) != 32 {
		return out, errBadPubKey
	}
	copy(out[:], dec)
	return out, nil
}

var errBadPubKey = errBadPubKeyErr{}

type errBadPubKeyErr struct{}

func (errBadPubKeyErr) Error() string { return "mixrelay: bad 32-byte pub key" }

// PeelLayer opens the outer packet under local's private key and
// returns the plaintext layer. The shared AEAD key is not returned.
func PeelLayer(local nodeid.Keypair, data []byte) (wire.OnionLayer, error) {
	var pkt wire.OnionPacket
	if err := wire.DecodeStrict(data, &pkt); err != nil {
		return wire.OnionLayer{}, errBadPacket
	}
	ephemeralPub, err := decodePub(pkt.EphemeralPubB64)
	if err != nil {
		return wire.OnionLayer{}, errBadPacket
	}
	key, err := hopKey(local, ephemeralPub)
	if err != nil {
		return wire.OnionLayer{}, err
	}

	blob, err := base64.RawURLEncoding.DecodeString(pkt.CiphertextB64)
	if err != nil || len(blob) < chacha20poly1305.NonceSizeX {
		return wire.OnionLayer{}, errBadPacket
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ciphertext := blob[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return wire.OnionLayer{}, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return wire.OnionLayer{}, ErrForbidden
	}

	var layer wire.OnionLayer
	if err := wire.DecodeStrict(plaintext, &layer); err != nil {
		return wire.OnionLayer{}, errBadPacket
	}
	return layer, nil
}

var errBadPacket = errBadPacketErr{}

type errBadPacketErr struct{}

func (errBadPacketErr) Error() string { return "mixrelay: malformed onion packet" }
