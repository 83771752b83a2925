package escrowclient

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/escrow"
)

func newTestEscrow(t *testing.T) *httptest.Server {
	t.Helper()
	storage, err := escrow.Open(filepath.Join(t.TempDir(), "escrow.db"), "test-master-key")
	if err != nil {
		t.Fatalf("escrow.Open: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	srv := escrow.New(storage, escrow.Config{RateRPS: 100, RateBurst: 100})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientSaveAndGetKey(t *testing.T) {
	ts := newTestEscrow(t)
	c := New(ts.URL, "")
	ctx := context.Background()

	if err := c.SaveKey(ctx, "abc", "a2V5Ynl0ZXM=", "n1", "doc.txt"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	resp, err := c.GetKey(ctx, "abc")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if resp.KeyB64 != "a2V5Ynl0ZXM=" || resp.NodeID != "n1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientGetKeyNotFound(t *testing.T) {
	ts := newTestEscrow(t)
	c := New(ts.URL, "")
	if _, err := c.GetKey(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientDeleteKeyRespectsOwnership(t *testing.T) {
	ts := newTestEscrow(t)
	c := New(ts.URL, "")
	ctx := context.Background()
	if err := c.SaveKey(ctx, "abc", "a2V5Ynl0ZXM=", "n1", "doc.txt"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	deleted, err := c.DeleteKey(ctx, "abc", "n2")
	if err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if deleted {
		t.Fatal("expected delete by non-owner to report false")
	}

	deleted, err = c.DeleteKey(ctx, "abc", "n1")
	if err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete by owner to report true")
	}
}
