package mixrelay

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lattice-mesh/meshnet/internal/metrics"
	"github.com/lattice-mesh/meshnet/internal/nodeid"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// Errors surfaced at the HTTP boundary for mix relay, per spec §4.6/§7.
var (
	ErrForbidden  = errors.New("mixrelay: AEAD authentication failed")
	ErrTtlExpired = errors.New("mixrelay: ttl expired")
	ErrBadGateway = errors.New("mixrelay: forward to next hop failed")
)

const textKeyPreshared = "meshnet-final-hop-text-key-v1"

// NextHopForwarder posts raw onion bytes to a peer's /mix/relay
// endpoint.
type NextHopForwarder interface {
	ForwardOnion(ctx context.Context, peerAddr string, data []byte) error
}

// Store persists delivered final-hop payloads, keyed the way the
// terminal hop names them.
type Store interface {
	StoreText(msgID string, plaintext []byte) error
	StoreFile(msgID, name string, data []byte) error
	StoreRaw(key string, data []byte) error
}

// Engine is the Mix Relay Engine for one node.
type Engine struct {
	keys      nodeid.Keypair
	forwarder NextHopForwarder
	store     Store
	log       *slog.Logger
}

// New constructs a mix relay Engine bound to the node's long-lived mix
// keypair.
func New(keys nodeid.Keypair, forwarder NextHopForwarder, store Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{keys: keys, forwarder: forwarder, store: store, log: log}
}

// Relay handles one incoming packet at a hop: open, TTL-check, then
// either deliver locally (terminal hop) or jitter-sleep and forward.
func (e *Engine) Relay(ctx context.Context, data []byte) error {
	layer, err := PeelLayer(e.keys, data)
	if err != nil {
		return err
	}
	if layer.Meta.TTL <= 0 {
		return ErrTtlExpired
	}
	layer.Meta.TTL--

	if layer.Next == "" || layer.Meta.Final {
		if err := e.deliverFinal(layer); err != nil {
			return err
		}
		metrics.MixRelayDelivered.Inc()
		return nil
	}

	inner, err := base64.RawURLEncoding.DecodeString(layer.PayloadB64)
	if err != nil {
		return e.deliverFinal(layer)
	}

	jitter := time.Duration(100+mathrand.Intn(500)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.MixRelayJitter.Observe(jitter.Seconds())

	if err := e.forwarder.ForwardOnion(ctx, layer.Next, inner); err != nil {
		return fmt.Errorf("%w: %v", ErrBadGateway, err)
	}
	metrics.MixRelayHops.Inc()
	return nil
}

func (e *Engine) deliverFinal(layer wire.OnionLayer) error {
	inner, err := base64.RawURLEncoding.DecodeString(layer.PayloadB64)
	if err != nil {
		return e.store.StoreRaw(fmt.Sprintf("mixmsg-%d", time.Now().UnixNano()), []byte(layer.PayloadB64))
	}

	var final wire.FinalEnvelope
	if err := wire.DecodeStrict(inner, &final); err != nil {
		return e.store.StoreRaw(fmt.Sprintf("mixmsg-%d", time.Now().UnixNano()), inner)
	}

	data, err := base64.RawURLEncoding.DecodeString(final.DataB64)
	if err != nil {
		return e.store.StoreRaw(fmt.Sprintf("mixmsg-%d", time.Now().UnixNano()), inner)
	}

	switch final.Type {
	case wire.FinalEnvelopeText:
		plaintext, err := openTextPreshared(data)
		if err != nil {
			return e.store.StoreRaw(fmt.Sprintf("mixmsg-%d", time.Now().UnixNano()), inner)
		}
		return e.store.StoreText(final.MsgID, plaintext)
	case wire.FinalEnvelopeFile:
		return e.store.StoreFile(final.MsgID, final.Name, data)
	default:
		return e.store.StoreRaw(fmt.Sprintf("mixmsg-%d", time.Now().UnixNano()), inner)
	}
}

// SealPresharedText seals plaintext under the preshared final-hop text
// key, for use by the loopback origination path (/mix/send-text)
// before building the onion.
func SealPresharedText(plaintext []byte) ([]byte, error) {
	key := derivePresharedTextKey()
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

func openTextPreshared(blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("mixrelay: text payload too short")
	}
	key := derivePresharedTextKey()
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}

func derivePresharedTextKey() [32]byte {
	return sha256.Sum256([]byte(textKeyPreshared))
}
