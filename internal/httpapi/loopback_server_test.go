package httpapi

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/chain"
	"github.com/lattice-mesh/meshnet/internal/command"
	"github.com/lattice-mesh/meshnet/internal/events"
	"github.com/lattice-mesh/meshnet/internal/metrics"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/internal/replication"
)

func newTestLoopbackServer(t *testing.T) *LoopbackServer {
	t.Helper()
	dir := t.TempDir()
	l, err := chain.Open(filepath.Join(dir, "chain"))
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	peers := peerdir.New()
	repl := replication.New(replication.Config{NodeID: "n1", BaseDir: dir, Chain: l, Directory: peers})
	hub := events.NewHub(16)
	cmds := command.New("n1", peers, nil, hub, nil)

	return &LoopbackServer{deps: LoopbackDeps{
		NodeID:        "n1",
		Repl:          repl,
		Chain:         l,
		Directory:     peers,
		Commands:      cmds,
		Client:        NewPeerClient(),
		MixMaxPathLen: 4,
		MixTTL:        8,
		Registry:      metrics.Registry(),
	}}
}

func TestGuardRejectsNonLoopback(t *testing.T) {
	s := newTestLoopbackServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	rec := httptest.NewRecorder()
	s.guard(s.handleStatus)(rec, req)
	if rec.Code != 403 {
		t.Fatalf("expected 403 for non-loopback caller, got %d", rec.Code)
	}
}

func TestGuardAllowsLoopback(t *testing.T) {
	s := newTestLoopbackServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	s.guard(s.handleStatus)(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 for loopback caller, got %d", rec.Code)
	}
}

func TestHandleCommandBroadcastAndPending(t *testing.T) {
	s := newTestLoopbackServer(t)
	body := []byte(`{"type":"encrypt","folder_path":"/data","recursive":true}`)
	req := httptest.NewRequest("POST", "/command/broadcast", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	s.handleCommandBroadcast(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest("GET", "/command/pending", nil)
	req2.RemoteAddr = "127.0.0.1:4000"
	rec2 := httptest.NewRecorder()
	s.handleCommandPending(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}
