// Package httpapi implements the two HTTP surfaces named in spec §4.7:
// a peer-facing surface reachable from other nodes, and a loopback-only
// surface for local origination and control. Both are built the way
// the donor's internal/adapters/rpc.Server builds its HTTP server: a
// plain *http.Server with a 5-second read-header timeout and a
// 5-second graceful shutdown drain.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// PeerClient is the outbound HTTP client used for all peer-to-peer
// fan-out: replication forwarding, mix relay forwarding, and command
// broadcast.
type PeerClient struct {
	httpClient *http.Client
}

// NewPeerClient returns a PeerClient with a bounded per-call timeout
// suitable for fan-out, per spec §5's 10-30s guidance.
func NewPeerClient() *PeerClient {
	return &PeerClient{httpClient: &http.Client{Timeout: 20 * time.Second}}
}

func (c *PeerClient) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("httpapi: peer returned %d", resp.StatusCode)
	}
	return nil
}

// Forward implements replication.Forwarder.
func (c *PeerClient) Forward(ctx context.Context, peerAddr string, env wire.ReplicationEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.post(ctx, "http://"+peerAddr+"/replicate", "application/json", body)
}

// ForwardOnion implements mixrelay.NextHopForwarder.
func (c *PeerClient) ForwardOnion(ctx context.Context, peerAddr string, data []byte) error {
	return c.post(ctx, "http://"+peerAddr+"/mix/relay", "application/octet-stream", data)
}

// ForwardCommand implements command.PeerForwarder.
func (c *PeerClient) ForwardCommand(ctx context.Context, peerAddr string, cmd wire.SyncCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.post(ctx, "http://"+peerAddr+"/p2p/command", "application/json", body)
}
