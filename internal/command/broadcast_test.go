package command

import (
	"context"
	"sync"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/events"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

type recordingForwarder struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingForwarder) ForwardCommand(ctx context.Context, peerAddr string, cmd wire.SyncCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, peerAddr)
	return nil
}

func TestBroadcastStampsAndFansOut(t *testing.T) {
	dir := peerdir.New()
	dir.Upsert(wire.PeerRecord{NodeID: "n2", Addr: "10.0.0.2:8080", LastSeen: 1})
	dir.Upsert(wire.PeerRecord{NodeID: "n3", Addr: "10.0.0.3:8080", LastSeen: 1})

	fwd := &recordingForwarder{}
	hub := events.NewHub(16)
	b := New("n1", dir, fwd, hub, nil)

	cmd, sent, err := b.Broadcast(context.Background(), wire.SyncCommand{Type: wire.SyncCommandEncrypt, FolderPath: "/data"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if cmd.OriginNode != "n1" || cmd.MsgID == "" {
		t.Fatalf("expected stamped origin/msg-id, got %+v", cmd)
	}
	if sent != 2 {
		t.Fatalf("expected fanout to 2 peers, got %d", sent)
	}
}

func TestReceiveSuppressesDuplicateMsgID(t *testing.T) {
	dir := peerdir.New()
	fwd := &recordingForwarder{}
	hub := events.NewHub(16)
	b := New("n1", dir, fwd, hub, nil)

	cmd := wire.SyncCommand{Type: wire.SyncCommandDecrypt, MsgID: "m1", OriginNode: "n2"}
	if first := b.Receive(context.Background(), cmd, "10.0.0.2:8080"); !first {
		t.Fatalf("expected first Receive to report new")
	}
	if again := b.Receive(context.Background(), cmd, "10.0.0.2:8080"); again {
		t.Fatalf("expected duplicate Receive to report seen")
	}
}

func TestPendingSinceReturnsOldestUnread(t *testing.T) {
	dir := peerdir.New()
	fwd := &recordingForwarder{}
	hub := events.NewHub(16)
	b := New("n1", dir, fwd, hub, nil)

	if _, _, err := b.Broadcast(context.Background(), wire.SyncCommand{Type: wire.SyncCommandEncrypt, FolderPath: "/a"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if _, _, err := b.Broadcast(context.Background(), wire.SyncCommand{Type: wire.SyncCommandDecrypt, FolderPath: "/b"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	cmd, seq, ok := b.PendingSince(0)
	if !ok || cmd.FolderPath != "/a" {
		t.Fatalf("expected first pending command /a, got %+v ok=%v", cmd, ok)
	}

	cmd2, _, ok2 := b.PendingSince(seq)
	if !ok2 || cmd2.FolderPath != "/b" {
		t.Fatalf("expected second pending command /b, got %+v ok=%v", cmd2, ok2)
	}

	if _, _, ok3 := b.PendingSince(seq + 1); ok3 {
		t.Fatalf("expected no pending command past the last seq")
	}
}

func TestBroadcastPublishesToHub(t *testing.T) {
	dir := peerdir.New()
	fwd := &recordingForwarder{}
	hub := events.NewHub(16)
	b := New("n1", dir, fwd, hub, nil)

	if _, _, err := b.Broadcast(context.Background(), wire.SyncCommand{Type: wire.SyncCommandEncrypt}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if hub.BacklogSize() != 1 {
		t.Fatalf("expected one published event, got %d", hub.BacklogSize())
	}
}
