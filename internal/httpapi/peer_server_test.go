package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/chain"
	"github.com/lattice-mesh/meshnet/internal/command"
	"github.com/lattice-mesh/meshnet/internal/dht"
	"github.com/lattice-mesh/meshnet/internal/events"
	"github.com/lattice-mesh/meshnet/internal/mixrelay"
	"github.com/lattice-mesh/meshnet/internal/nodeid"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/internal/replication"
)

func newTestPeerServer(t *testing.T) *PeerServer {
	t.Helper()
	dir := t.TempDir()
	l, err := chain.Open(filepath.Join(dir, "chain"))
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	repl := replication.New(replication.Config{
		NodeID:    "n1",
		BaseDir:   dir,
		Chain:     l,
		Directory: peerdir.New(),
	})
	keys, err := nodeid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	mix := mixrelay.New(keys, nil, mixrelay.NewFileStore(filepath.Join(dir, "mix")), nil)
	table := dht.New()
	hub := events.NewHub(16)
	cmds := command.New("n1", peerdir.New(), nil, hub, nil)
	return &PeerServer{repl: repl, mix: mix, table: table, commands: cmds}
}

func TestHandleDHTPutGet(t *testing.T) {
	s := newTestPeerServer(t)
	body, _ := json.Marshal(map[string]any{"key": "k1", "providers": []string{"n2"}})
	req := httptest.NewRequest("POST", "/dht/put", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleDHTPut(rec, req)
	if rec.Code != 200 {
		t.Fatalf("dht/put status = %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/dht/get?key=k1", nil)
	rec2 := httptest.NewRecorder()
	s.handleDHTGet(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("dht/get status = %d", rec2.Code)
	}
	var resp struct {
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Providers) != 1 || resp.Providers[0] != "n2" {
		t.Fatalf("unexpected providers: %v", resp.Providers)
	}
}

func TestHandleFetchUnknownKeyNotFound(t *testing.T) {
	s := newTestPeerServer(t)
	req := httptest.NewRequest("GET", "/fetch?key=blob-deadbeef-a.txt", nil)
	rec := httptest.NewRecorder()
	s.handleFetch(rec, req)
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleReplicateRejectsBadJSON(t *testing.T) {
	s := newTestPeerServer(t)
	req := httptest.NewRequest("POST", "/replicate", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.handleReplicate(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
