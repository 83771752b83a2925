// Package command implements the broadcast command-sync fabric: a
// loopback-originated command is stamped with an origin and a fresh
// msg-id, forwarded to every peer's /p2p/command, and dispatched to any
// local subscriber through a bounded event hub rather than an unbounded
// callback slice.
package command

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lattice-mesh/meshnet/internal/events"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// TopicCommand is the events.Hub topic a broadcaster publishes under
// for every locally dispatched command, in-process or received.
const TopicCommand = "p2p-command"

// PeerForwarder posts a SyncCommand to one peer's /p2p/command endpoint.
type PeerForwarder interface {
	ForwardCommand(ctx context.Context, peerAddr string, cmd wire.SyncCommand) error
}

// seenIDs is a small bounded LRU of recently observed msg-ids, the same
// shape as the replication engine's seen-set but sized for the much
// lower volume of broadcast commands.
type seenIDs struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newSeenIDs(capacity int) *seenIDs {
	if capacity <= 0 {
		capacity = 4096
	}
	return &seenIDs{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

func (s *seenIDs) markIfNew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[id]; ok {
		s.order.MoveToFront(el)
		return false
	}
	el := s.order.PushFront(id)
	s.index[id] = el
	for s.order.Len() > s.capacity {
		back := s.order.Back()
		if back == nil {
			break
		}
		s.order.Remove(back)
		delete(s.index, back.Value.(string))
	}
	return true
}

// Broadcaster is one node's view of the command-sync fabric.
type Broadcaster struct {
	nodeID    string
	dir       *peerdir.Directory
	forwarder PeerForwarder
	hub       *events.Hub
	seen      *seenIDs
	log       *slog.Logger
}

// New constructs a Broadcaster bound to a peer directory, an outbound
// forwarder, and the hub that local subscribers (e.g. a DLL-mode host
// process) read from.
func New(nodeID string, dir *peerdir.Directory, forwarder PeerForwarder, hub *events.Hub, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{nodeID: nodeID, dir: dir, forwarder: forwarder, hub: hub, seen: newSeenIDs(4096), log: log}
}

// Broadcast stamps origin/timestamp/msg-id on cmd, marks it seen
// locally, and fans it out to every known peer except self.
func (b *Broadcaster) Broadcast(ctx context.Context, cmd wire.SyncCommand) (wire.SyncCommand, int, error) {
	cmd.OriginNode = b.nodeID
	cmd.Timestamp = time.Now().Unix()
	if cmd.MsgID == "" {
		id, err := randomMsgID()
		if err != nil {
			return cmd, 0, fmt.Errorf("command: mint msg-id: %w", err)
		}
		cmd.MsgID = id
	}
	b.seen.markIfNew(cmd.MsgID)
	b.hub.Publish(TopicCommand, cmd)

	sent := b.fanOut(ctx, cmd, "")
	return cmd, sent, nil
}

// Receive handles an inbound command from a peer: duplicate-suppress by
// msg-id, publish to local subscribers, and forward onward to further
// peers except the sender. Returns true if this was the first time the
// msg-id was observed.
func (b *Broadcaster) Receive(ctx context.Context, cmd wire.SyncCommand, fromPeerAddr string) bool {
	if !b.seen.markIfNew(cmd.MsgID) {
		return false
	}
	b.hub.Publish(TopicCommand, cmd)
	go b.fanOut(ctx, cmd, fromPeerAddr)
	return true
}

func (b *Broadcaster) fanOut(ctx context.Context, cmd wire.SyncCommand, exceptAddr string) int {
	peers := b.dir.List()
	var (
		mu   sync.Mutex
		sent int
		wg   sync.WaitGroup
	)
	for _, p := range peers {
		if p.NodeID == b.nodeID || p.Addr == "" || p.Addr == exceptAddr {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := b.forwarder.ForwardCommand(fctx, p.Addr, cmd); err != nil {
				b.log.Warn("command forward failed", "peer", p.Addr, "err", err)
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return sent
}

// PendingSince returns the oldest retained command published after
// cursor, for the subprocess-mode polling endpoint /command/pending.
// The returned seq should be passed back as the next call's cursor.
func (b *Broadcaster) PendingSince(cursor int64) (wire.SyncCommand, int64, bool) {
	replay, _, cancel := b.hub.Subscribe(cursor)
	cancel()
	for _, event := range replay {
		if cmd, ok := event.Payload.(wire.SyncCommand); ok {
			return cmd, event.Seq, true
		}
	}
	return wire.SyncCommand{}, cursor, false
}

func randomMsgID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
