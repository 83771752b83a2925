package httpapi

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lattice-mesh/meshnet/internal/command"
	"github.com/lattice-mesh/meshnet/internal/dht"
	"github.com/lattice-mesh/meshnet/internal/mixrelay"
	"github.com/lattice-mesh/meshnet/internal/ratelimit"
	"github.com/lattice-mesh/meshnet/internal/replication"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// PeerServer exposes the endpoints reachable from other mesh nodes,
// per spec §4.7/§6: /replicate, /mix/relay, /fetch, /dht/put,
// /dht/get, /p2p/command.
type PeerServer struct {
	repl     *replication.Engine
	mix      *mixrelay.Engine
	table    *dht.Table
	commands *command.Broadcaster
	limiter  *ratelimit.MapLimiter
}

// PeerServerConfig carries the peer-facing surface's rate-limiting
// knobs; zero values disable limiting, same as ratelimit.New.
type PeerServerConfig struct {
	RateRPS   float64
	RateBurst int
}

// NewPeerServer builds the peer-facing *http.Server bound to addr.
// The write paths that admit untrusted data from other nodes -
// /replicate, /mix/relay, /p2p/command - are rate limited per caller
// IP, the same discipline internal/escrow applies to its own surface.
func NewPeerServer(addr string, repl *replication.Engine, mix *mixrelay.Engine, table *dht.Table, commands *command.Broadcaster, cfg PeerServerConfig) *http.Server {
	s := &PeerServer{
		repl:     repl,
		mix:      mix,
		table:    table,
		commands: commands,
		limiter:  ratelimit.New(cfg.RateRPS, cfg.RateBurst, 10*time.Minute),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/replicate", s.rateLimited(s.handleReplicate))
	mux.HandleFunc("/mix/relay", s.rateLimited(s.handleMixRelay))
	mux.HandleFunc("/fetch", s.handleFetch)
	mux.HandleFunc("/dht/put", s.handleDHTPut)
	mux.HandleFunc("/dht/get", s.handleDHTGet)
	mux.HandleFunc("/p2p/command", s.rateLimited(s.handleP2PCommand))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// rateLimited rejects a caller once it exceeds its token bucket,
// keyed by the remote IP rather than the full remote addr so a
// caller can't dodge the limit by varying its ephemeral port.
func (s *PeerServer) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": "error", "error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (s *PeerServer) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var env wire.ReplicationEnvelope
	if err := wire.DecodeStrict(readAll(r.Body), &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "bad json: " + err.Error()})
		return
	}

	res, err := s.repl.Admit(r.Context(), env, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, replication.ErrChainMismatch) {
			writeChainMismatch(w, s.repl.Tip(), env.PrevHash)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(res.Outcome), "hops": res.Hops, "tip": res.Tip})
}

func (s *PeerServer) handleMixRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	data := readAll(r.Body)
	if err := s.mix.Relay(r.Context(), data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "relayed"})
}

func (s *PeerServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing key"})
		return
	}
	env, ok := s.repl.LookupEnvelope(key)
	if !ok {
		writeError(w, replication.ErrNotFound)
		return
	}
	chunk, err := s.repl.ReadChunk(env.HashHex)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Hash-Hex", env.HashHex)
	w.Header().Set("X-Name", env.Name)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chunk)
}

func (s *PeerServer) handleDHTPut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var body struct {
		Key       string   `json:"key"`
		Providers []string `json:"providers"`
	}
	if err := wire.DecodeStrict(readAll(r.Body), &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "bad json: " + err.Error()})
		return
	}
	s.table.Put(body.Key, body.Providers)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *PeerServer) handleDHTGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "providers": s.table.Get(key)})
}

func (s *PeerServer) handleP2PCommand(w http.ResponseWriter, r *http.Request) {
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
	if !s.commands.Receive(r.Context(), cmd, "") {
		writeJSON(w, http.StatusOK, map[string]string{"status": "seen"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received", "type": cmd.Type, "msgid": cmd.MsgID})
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}
