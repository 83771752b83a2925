package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lattice-mesh/meshnet/internal/beacon"
	"github.com/lattice-mesh/meshnet/internal/chain"
	"github.com/lattice-mesh/meshnet/internal/command"
	"github.com/lattice-mesh/meshnet/internal/mixrelay"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/internal/replication"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// LoopbackDeps bundles everything the loopback-only control surface
// needs to originate data, inspect status, and broadcast commands.
type LoopbackDeps struct {
	NodeID        string
	Repl          *replication.Engine
	Beacon        *beacon.Transport
	Chain         *chain.Log
	Directory     *peerdir.Directory
	Commands      *command.Broadcaster
	Client        *PeerClient
	FileKey       [32]byte
	PeersPath     string
	EnvPath       string
	MixMaxPathLen int
	MixTTL        int
	Registry      *prometheus.Registry
}

// LoopbackServer is the local control plane: origination, status,
// peer snapshot management, command broadcast, and metrics.
type LoopbackServer struct {
	deps          LoopbackDeps
	pendingCursor int64
}

// NewLoopbackServer builds the loopback-only *http.Server bound to
// addr. Every handler is wrapped so any caller whose remote address is
// not loopback is rejected before dispatch, per spec §4.7.
func NewLoopbackServer(addr string, deps LoopbackDeps) *http.Server {
	s := &LoopbackServer{deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.guard(s.handleStatus))
	mux.HandleFunc("/peers", s.guard(s.handlePeers))
	mux.HandleFunc("/sync/status", s.guard(s.handleSyncStatus))
	mux.HandleFunc("/chain/list", s.guard(s.handleChainList))
	mux.HandleFunc("/mix/send-text", s.guard(s.handleMixSendText))
	mux.HandleFunc("/mix/send-file", s.guard(s.handleMixSendFile))
	mux.HandleFunc("/chunks/decrypt", s.guard(s.handleChunksDecrypt))
	mux.HandleFunc("/backup/get", s.guard(s.handleBackupGet))
	mux.HandleFunc("/peers/save", s.guard(s.handlePeersSave))
	mux.HandleFunc("/peers/load", s.guard(s.handlePeersLoad))
	mux.HandleFunc("/peers/publish", s.guard(s.handlePeersPublish))
	mux.HandleFunc("/peers/fetch", s.guard(s.handlePeersFetch))
	mux.HandleFunc("/command/broadcast", s.guard(s.handleCommandBroadcast))
	mux.HandleFunc("/command/pending", s.guard(s.handleCommandPending))
	mux.HandleFunc("/env/export", s.guard(s.handleEnvExport))
	mux.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// guard rejects any request whose remote address is not loopback
// before the wrapped handler ever runs.
func (s *LoopbackServer) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, errForbidden)
			return
		}
		h(w, r)
	}
}

func (s *LoopbackServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var beaconStatus beacon.Status
	if s.deps.Beacon != nil {
		beaconStatus = s.deps.Beacon.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.deps.NodeID,
		"tip":        s.deps.Chain.Tip(),
		"peer_count": len(s.deps.Directory.List()),
		"beacon":     beaconStatus,
	})
}

func (s *LoopbackServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Directory.List())
}

func (s *LoopbackServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tip":         s.deps.Chain.Tip(),
		"block_count": len(s.deps.Chain.List()),
	})
}

func (s *LoopbackServer) handleChainList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Chain.List())
}

func (s *LoopbackServer) handleMixSendText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	to := r.URL.Query().Get("to")
	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing to"})
		return
	}
	plaintext := readAll(r.Body)

	path, err := mixrelay.SelectPath(s.deps.NodeID, to, s.deps.Directory.List(), s.deps.MixMaxPathLen)
	if err != nil {
		writeError(w, err)
		return
	}
	sealed, err := mixrelay.SealPresharedText(plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	msgID, err := randomMsgID()
	if err != nil {
		writeError(w, err)
		return
	}
	final := wire.FinalEnvelope{
		Type:       wire.FinalEnvelopeText,
		SenderID:   s.deps.NodeID,
		ReceiverID: to,
		MsgID:      msgID,
		DataB64:    base64RawURL(sealed),
	}
	onion, err := mixrelay.BuildOnion(path, final, s.deps.MixTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Client.ForwardOnion(r.Context(), path[0].Addr, onion); err != nil {
		writeError(w, mixrelay.ErrBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "msg_id": msgID, "path_len": len(path)})
}

// handleMixSendFile runs the Replication Engine's origination path:
// the file is sealed once under a fresh per-artifact key, appended to
// the chain, persisted, and fanned out to every known peer's
// /replicate.
func (s *LoopbackServer) handleMixSendFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing name"})
		return
	}
	data := readAll(r.Body)

	res, err := s.deps.Repl.Originate(r.Context(), name, data)
	if err != nil {
		if errors.Is(err, replication.ErrChainMismatch) {
			writeChainMismatch(w, s.deps.Repl.Tip(), "")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":      res.HashHex,
		"store_key": res.StoreKey,
		"fanout":    res.Fanout,
		"tip":       res.Tip,
	})
}

func (s *LoopbackServer) handleChunksDecrypt(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	name := r.URL.Query().Get("name")
	keyB64 := r.URL.Query().Get("keyB64")
	out := r.URL.Query().Get("out")

	var explicitKey *[32]byte
	if keyB64 != "" {
		dec, err := decodeKeyB64(keyB64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "bad keyB64"})
			return
		}
		explicitKey = &dec
	}

	plaintext, err := s.deps.Repl.Decrypt(hash, name, explicitKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if out != "" {
		if err := os.WriteFile(out, plaintext, 0o600); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "written", "path": out})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plaintext)
}

func (s *LoopbackServer) handleBackupGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	env, ok := s.deps.Repl.LookupEnvelope(key)
	if !ok {
		writeError(w, replication.ErrNotFound)
		return
	}
	chunk, err := s.deps.Repl.ReadChunk(env.HashHex)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chunk)
}

func (s *LoopbackServer) handlePeersSave(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Directory.Save(s.deps.PeersPath, s.deps.FileKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": s.deps.PeersPath})
}

func (s *LoopbackServer) handlePeersLoad(w http.ResponseWriter, r *http.Request) {
	snapshot, err := peerdir.Load(s.deps.PeersPath, s.deps.FileKey)
	if err != nil {
		writeError(w, err)
		return
	}
	count := s.deps.Directory.Merge(snapshot)
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "merged": count})
}

func (s *LoopbackServer) handlePeersPublish(w http.ResponseWriter, r *http.Request) {
	pemPath := r.URL.Query().Get("pem")
	path := r.URL.Query().Get("path")
	if pemPath == "" || path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing pem or path"})
		return
	}
	key, err := deriveSymKeyFromPEM(pemPath)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := peerSnapshotPEM{Version: 1, NodeID: s.deps.NodeID, Created: time.Now().UTC(), Peers: s.deps.Directory.List()}
	blob, err := encryptSnapshotPEM(key, snap)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "published", "peers": len(snap.Peers)})
}

func (s *LoopbackServer) handlePeersFetch(w http.ResponseWriter, r *http.Request) {
	pemPath := r.URL.Query().Get("pem")
	path := r.URL.Query().Get("path")
	if pemPath == "" || path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing pem or path"})
		return
	}
	key, err := deriveSymKeyFromPEM(pemPath)
	if err != nil {
		writeError(w, err)
		return
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := decryptSnapshotPEM(key, blob)
	if err != nil {
		writeError(w, err)
		return
	}
	count := s.deps.Directory.Merge(snap.Peers)
	writeJSON(w, http.StatusOK, map[string]any{"status": "fetched", "merged": count})
}

func (s *LoopbackServer) handleCommandBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var cmd wire.SyncCommand
	if err := wire.DecodeStrict(readAll(r.Body), &cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "bad json: " + err.Error()})
		return
	}
	stamped, sent, err := s.deps.Commands.Broadcast(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "broadcast", "type": stamped.Type, "msgid": stamped.MsgID, "sent": sent})
}

func (s *LoopbackServer) handleCommandPending(w http.ResponseWriter, r *http.Request) {
	cursor := atomic.LoadInt64(&s.pendingCursor)
	cmd, seq, ok := s.deps.Commands.PendingSince(cursor)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "none"})
		return
	}
	atomic.StoreInt64(&s.pendingCursor, seq)
	writeJSON(w, http.StatusOK, map[string]any{"status": "pending", "command": cmd})
}

func (s *LoopbackServer) handleEnvExport(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.deps.EnvPath)
	if err != nil {
		writeError(w, replication.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=env.enc")
	_, _ = w.Write(data)
}

var errBadKey = errors.New("httpapi: bad 32-byte key")

func randomMsgID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64RawURL(buf), nil
}

func decodeKeyB64(s string) ([32]byte, error) {
	var out [32]byte
	dec, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(dec) != 32 {
		return out, errBadKey
	}
	copy(out[:], dec)
	return out, nil
}

func base64RawURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
