package escrow

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lattice-mesh/meshnet/internal/ratelimit"
)

// Server exposes the Key Escrow HTTP surface named in spec §4.8/§6:
// save/get/list/delete plus an unauthenticated health check.
type Server struct {
	storage *Storage
	tokens  []string
	limiter *ratelimit.MapLimiter
	log     *slog.Logger
}

// Config carries the server's runtime knobs; AuthTokens empty means
// dev-mode open access.
type Config struct {
	AuthTokens []string
	RateRPS    float64
	RateBurst  int
	Logger     *slog.Logger
}

// New builds a Server bound to storage.
func New(storage *Storage, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.AuthTokens) == 0 {
		logger.Warn("escrow: no API tokens configured, running in open mode")
	}
	return &Server{
		storage: storage,
		tokens:  cfg.AuthTokens,
		limiter: ratelimit.New(cfg.RateRPS, cfg.RateBurst, 10*time.Minute),
		log:     logger,
	}
}

// Handler returns the full HTTP handler, auth middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/keys/save", s.rateLimited(s.handleSaveKey))
	mux.HandleFunc("/keys/get", s.rateLimited(s.handleGetKey))
	mux.HandleFunc("/keys/list", s.rateLimited(s.handleListKeys))
	mux.HandleFunc("/keys/delete", s.rateLimited(s.handleDeleteKey))
	return authMiddleware(s.tokens, mux)
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// TLSConfig returns the restricted ECDHE/AEAD cipher suite list the
// escrow service requires in production, matching the original
// keysaver-server's settings exactly.
func TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "meshnet-escrow"})
}

type saveKeyRequest struct {
	FileHash string `json:"hash"`
	KeyB64   string `json:"key_b64"`
	NodeID   string `json:"node_id"`
	FileName string `json:"name"`
}

func (s *Server) handleSaveKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
		return
	}
	var req saveKeyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON: " + err.Error()})
		return
	}
	if req.FileHash == "" || req.KeyB64 == "" || req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "missing required fields: hash, key_b64, node_id"})
		return
	}
	if err := s.storage.SaveKey(req.FileHash, req.NodeID, req.KeyB64, req.FileName); err != nil {
		s.log.Error("escrow save failed", "hash", req.FileHash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "failed to save key"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "hash": req.FileHash})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use GET"})
		return
	}
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing ?hash parameter"})
		return
	}
	rec, err := s.storage.GetKey(hash)
	if err != nil {
		s.log.Error("escrow get failed", "hash", hash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": "failed to retrieve key"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found", "hash": hash})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "hash": rec.FileHash, "key_b64": rec.KeyB64, "name": rec.FileName, "node_id": rec.OriginNodeID,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use GET"})
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing ?node_id parameter"})
		return
	}
	records, err := s.storage.ListKeys(nodeID)
	if err != nil {
		s.log.Error("escrow list failed", "node_id", nodeID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": "failed to list keys"})
		return
	}
	if records == nil {
		records = []KeyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "node_id": nodeID, "count": len(records), "keys": records})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use DELETE"})
		return
	}
	hash := r.URL.Query().Get("hash")
	nodeID := r.URL.Query().Get("node_id")
	if hash == "" || nodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "missing ?hash and ?node_id parameters"})
		return
	}
	deleted, err := s.storage.DeleteKey(hash, nodeID)
	if err != nil {
		s.log.Error("escrow delete failed", "hash", hash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": "failed to delete key"})
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found", "error": "key not found or not owned by this node"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "hash": hash})
}
