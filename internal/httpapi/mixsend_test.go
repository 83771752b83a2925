package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/chain"
	"github.com/lattice-mesh/meshnet/internal/command"
	"github.com/lattice-mesh/meshnet/internal/events"
	"github.com/lattice-mesh/meshnet/internal/metrics"
	"github.com/lattice-mesh/meshnet/internal/mixrelay"
	"github.com/lattice-mesh/meshnet/internal/nodeid"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/internal/replication"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

func TestHandleMixSendTextDeliversToSingleHopDestination(t *testing.T) {
	destKeys, err := nodeid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	destID := nodeid.FromPublicKey(destKeys.Public)

	destStore := mixrelay.NewFileStore(filepath.Join(t.TempDir(), "mix"))
	destEngine := mixrelay.New(destKeys, nil, destStore, nil)

	destMux := http.NewServeMux()
	destMux.HandleFunc("/mix/relay", func(w http.ResponseWriter, r *http.Request) {
		body := readAll(r.Body)
		if err := destEngine.Relay(r.Context(), body); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(destMux)
	defer ts.Close()
	destAddr := strings.TrimPrefix(ts.URL, "http://")

	dir := peerdir.New()
	dir.Upsert(wire.PeerRecord{
		NodeID:    destID,
		Addr:      destAddr,
		LastSeen:  1,
		PubKeyB64: base64.RawURLEncoding.EncodeToString(destKeys.Public[:]),
	})

	selfKeys, err := nodeid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	selfID := nodeid.FromPublicKey(selfKeys.Public)

	tmp := t.TempDir()
	l, err := chain.Open(filepath.Join(tmp, "chain"))
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	repl := replication.New(replication.Config{NodeID: selfID, BaseDir: tmp, Chain: l, Directory: dir})
	hub := events.NewHub(16)
	cmds := command.New(selfID, dir, nil, hub, nil)

	s := &LoopbackServer{deps: LoopbackDeps{
		NodeID:        selfID,
		Repl:          repl,
		Chain:         l,
		Directory:     dir,
		Commands:      cmds,
		Client:        NewPeerClient(),
		MixMaxPathLen: 1,
		MixTTL:        8,
		Registry:      metrics.Registry(),
	}}

	req := httptest.NewRequest("POST", "/mix/send-text?to="+destID, strings.NewReader("hello mesh"))
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	s.handleMixSendText(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMixSendFileRunsReplicationOrigination(t *testing.T) {
	s := newTestLoopbackServer(t)
	req := httptest.NewRequest("POST", "/mix/send-file?name=report.pdf", strings.NewReader("file bytes go here"))
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	s.handleMixSendFile(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Hash     string `json:"hash"`
		StoreKey string `json:"store_key"`
		Fanout   int    `json:"fanout"`
		Tip      string `json:"tip"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Hash == "" || resp.StoreKey == "" || resp.Tip == "" {
		t.Fatalf("expected origination result fields populated, got %+v", resp)
	}
	if _, err := s.deps.Repl.Decrypt(resp.Hash, "report.pdf", nil); err != nil {
		t.Fatalf("expected chunk and artifact key to be persisted: %v", err)
	}
	if len(s.deps.Chain.List()) == 0 {
		t.Fatal("expected a block to be appended to the chain")
	}
}

func TestHandleMixSendFileMissingName(t *testing.T) {
	s := newTestLoopbackServer(t)
	req := httptest.NewRequest("POST", "/mix/send-file", strings.NewReader("data"))
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	s.handleMixSendFile(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}
}

func TestHandleMixSendTextUnknownDestination(t *testing.T) {
	s := newTestLoopbackServer(t)
	req := httptest.NewRequest("POST", "/mix/send-text?to=unknown", strings.NewReader("hi"))
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	s.handleMixSendText(rec, req)
	if rec.Code != 404 && rec.Code != 400 {
		t.Fatalf("expected 4xx for unknown destination, got %d", rec.Code)
	}
}
