// Package replication implements the Replication Engine: admit,
// verify, append, and gossip content-addressed envelopes. Broadcast
// commands are carried by internal/command, not by this package.
package replication

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lattice-mesh/meshnet/internal/chain"
	"github.com/lattice-mesh/meshnet/internal/metrics"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// Errors surfaced at the HTTP boundary, per spec §7's taxonomy.
var (
	ErrChainMismatch = errors.New("replication: chain mismatch")
	ErrHashMismatch  = errors.New("replication: hash mismatch")
	ErrNotFound      = errors.New("replication: blob not found")
	ErrBadCipher     = errors.New("replication: malformed cipher_b64")
)

// Forwarder sends a re-serialized envelope to a single peer's
// peer-facing /replicate endpoint. Implemented by internal/httpapi's
// HTTP client in production and a fake in tests.
type Forwarder interface {
	Forward(ctx context.Context, peerAddr string, env wire.ReplicationEnvelope) error
}

// EscrowUploader uploads a freshly minted artifact key to the Key
// Escrow Service as part of origination.
type EscrowUploader interface {
	SaveKey(ctx context.Context, hashHex, keyB64, nodeID, name string) error
}

// OriginateResult is returned to the loopback caller after a local
// origination.
type OriginateResult struct {
	HashHex  string
	StoreKey string
	Fanout   int
	Tip      string
}

// AdmitOutcome names the first-class result of the admission pipeline,
// in place of exceptions.
type AdmitOutcome string

const (
	AdmitAccepted AdmitOutcome = "accepted"
	AdmitSeen     AdmitOutcome = "seen"
)

// AdmitResult is returned to the peer caller of /replicate.
type AdmitResult struct {
	Outcome AdmitOutcome
	Hops    int
	Tip     string
}

// Engine is the Replication Engine for one node.
type Engine struct {
	nodeID  string
	baseDir string

	chain *chain.Log
	dir   *peerdir.Directory
	chunk *chunkStore
	seen  *seenSet

	forwarder Forwarder
	escrow    EscrowUploader
	log       *slog.Logger

	fanoutTimeout time.Duration
}

// Config bundles the Engine's dependencies.
type Config struct {
	NodeID        string
	BaseDir       string
	Chain         *chain.Log
	Directory     *peerdir.Directory
	Forwarder     Forwarder
	Escrow        EscrowUploader
	Logger        *slog.Logger
	SeenCapacity  int
	FanoutTimeout time.Duration
}

// New constructs a Replication Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.FanoutTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		nodeID:        cfg.NodeID,
		baseDir:       cfg.BaseDir,
		chain:         cfg.Chain,
		dir:           cfg.Directory,
		chunk:         newChunkStore(cfg.BaseDir),
		seen:          newSeenSet(cfg.SeenCapacity),
		forwarder:     cfg.Forwarder,
		escrow:        cfg.Escrow,
		log:           logger,
		fanoutTimeout: timeout,
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func randomMsgID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Originate seals plaintext under a fresh per-artifact key, appends the
// resulting block to the chain, persists the ciphertext and key, and
// fans out to every known peer.
func (e *Engine) Originate(ctx context.Context, name string, plaintext []byte) (OriginateResult, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return OriginateResult{}, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return OriginateResult{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return OriginateResult{}, err
	}
	cipher := append(append([]byte{}, nonce...), aead.Seal(nil, nonce, plaintext, nil)...)
	hashHex := sha256Hex(cipher)

	if _, err := saveArtifactKey(e.baseDir, hashHex, name, key); err != nil {
		return OriginateResult{}, err
	}
	if e.escrow != nil {
		if err := e.escrow.SaveKey(ctx, hashHex, base64.RawURLEncoding.EncodeToString(key[:]), e.nodeID, name); err != nil {
			e.log.Warn("replication: escrow upload failed", "hash", hashHex, "error", err)
		}
	}

	msgID, err := randomMsgID()
	if err != nil {
		return OriginateResult{}, err
	}
	prevHash := e.chain.Tip()
	block := wire.Block{
		Hash:     hashHex,
		PrevHash: prevHash,
		Name:     name,
		Size:     len(cipher),
		Created:  time.Now().Unix(),
		OriginID: e.nodeID,
	}
	ok, err := e.chain.Append(block)
	if err != nil {
		return OriginateResult{}, fmt.Errorf("replication: append block: %w", err)
	}
	if !ok {
		return OriginateResult{}, ErrChainMismatch
	}

	if err := e.chunk.writeCiphertext(hashHex, cipher); err != nil {
		return OriginateResult{}, err
	}
	e.seen.MarkIfNew(msgID)

	env := wire.ReplicationEnvelope{
		MsgID:     msgID,
		OriginID:  e.nodeID,
		Name:      name,
		HashHex:   hashHex,
		PrevHash:  prevHash,
		CipherB64: base64.RawURLEncoding.EncodeToString(cipher),
		Created:   block.Created,
		Hops:      0,
	}
	e.chunk.cacheEnvelope(env)
	metrics.ReplicationAdmitted.Inc()

	fanout := e.fanOut(ctx, env)

	return OriginateResult{
		HashHex:  hashHex,
		StoreKey: storeKey(hashHex, name),
		Fanout:   fanout,
		Tip:      e.chain.Tip(),
	}, nil
}

// Admit runs the peer-to-peer admission pipeline from spec §4.5.
func (e *Engine) Admit(ctx context.Context, env wire.ReplicationEnvelope, fromPeerAddr string) (AdmitResult, error) {
	localTip := e.chain.Tip()
	if env.PrevHash != localTip {
		// A re-post of an envelope this node already admitted no longer
		// links to the advanced tip; report it as Seen, not a mismatch.
		e.seen.mu.Lock()
		_, dup := e.seen.index[env.MsgID]
		e.seen.mu.Unlock()
		if dup {
			metrics.ReplicationSeen.Inc()
			return AdmitResult{Outcome: AdmitSeen, Tip: localTip}, nil
		}
		return AdmitResult{}, ErrChainMismatch
	}

	if !e.seen.MarkIfNew(env.MsgID) {
		metrics.ReplicationSeen.Inc()
		return AdmitResult{Outcome: AdmitSeen, Tip: localTip}, nil
	}

	cipher, err := base64.RawURLEncoding.DecodeString(env.CipherB64)
	if err != nil {
		metrics.ReplicationRejected.WithLabelValues("bad_cipher").Inc()
		return AdmitResult{}, ErrBadCipher
	}
	if sha256Hex(cipher) != env.HashHex {
		metrics.ReplicationRejected.WithLabelValues("hash_mismatch").Inc()
		return AdmitResult{}, ErrHashMismatch
	}

	block := wire.Block{
		Hash:     env.HashHex,
		PrevHash: env.PrevHash,
		Name:     env.Name,
		Size:     len(cipher),
		Created:  env.Created,
		OriginID: env.OriginID,
	}
	ok, err := e.chain.Append(block)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("replication: append block: %w", err)
	}
	if !ok {
		return AdmitResult{}, ErrChainMismatch
	}

	if err := e.chunk.writeCiphertext(env.HashHex, cipher); err != nil {
		return AdmitResult{}, err
	}

	forward := env
	forward.Hops++
	e.chunk.cacheEnvelope(forward)
	metrics.ReplicationAdmitted.Inc()

	e.fanOutExcept(ctx, forward, fromPeerAddr)

	return AdmitResult{Outcome: AdmitAccepted, Hops: forward.Hops, Tip: e.chain.Tip()}, nil
}

func (e *Engine) fanOut(ctx context.Context, env wire.ReplicationEnvelope) int {
	return e.fanOutExcept(ctx, env, "")
}

// fanOutExcept forwards env to every known peer except the one at
// exceptAddr (the sender we just heard from), launching each forward
// as its own goroutine so no single slow peer blocks the others.
func (e *Engine) fanOutExcept(ctx context.Context, env wire.ReplicationEnvelope, exceptAddr string) int {
	if e.forwarder == nil {
		return 0
	}
	peers := e.dir.List()

	var wg sync.WaitGroup
	var mu sync.Mutex
	sent := 0
	for _, p := range peers {
		if p.NodeID == e.nodeID || p.Addr == "" || p.Addr == exceptAddr {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			metrics.ReplicationFanoutAttempts.Inc()
			fctx, cancel := context.WithTimeout(ctx, e.fanoutTimeout)
			defer cancel()
			if err := e.forwarder.Forward(fctx, addr, env); err != nil {
				e.log.Warn("replication: forward failed", "peer", addr, "error", err)
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}(p.Addr)
	}
	wg.Wait()
	return sent
}

// Decrypt locates <hash-hex>.bin and opens it under either an explicit
// key or the locally stashed artifact key and returns the plaintext;
// writing it to a file is left to the caller.
func (e *Engine) Decrypt(hashHex, name string, explicitKey *[32]byte) ([]byte, error) {
	cipher, err := e.chunk.readCiphertext(hashHex)
	if err != nil {
		return nil, ErrNotFound
	}
	if len(cipher) < chacha20poly1305.NonceSizeX {
		return nil, ErrBadCipher
	}

	var key [32]byte
	if explicitKey != nil {
		key = *explicitKey
	} else {
		key, err = loadArtifactKey(e.baseDir, hashHex, name)
		if err != nil {
			return nil, ErrNotFound
		}
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := cipher[:chacha20poly1305.NonceSizeX]
	ct := cipher[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Tip returns the local chain's current tip hash, used by callers that
// need to report both sides of a chain mismatch.
func (e *Engine) Tip() string {
	return e.chain.Tip()
}

// LookupEnvelope returns the cached envelope for the deterministic
// store key blob-<hash>-<name>, used by /fetch.
func (e *Engine) LookupEnvelope(key string) (wire.ReplicationEnvelope, bool) {
	return e.chunk.lookupEnvelope(key)
}

// ReadChunk returns the raw ciphertext bytes stored for hashHex, used
// by /fetch.
func (e *Engine) ReadChunk(hashHex string) ([]byte, error) {
	b, err := e.chunk.readCiphertext(hashHex)
	if err != nil {
		return nil, ErrNotFound
	}
	return b, nil
}
