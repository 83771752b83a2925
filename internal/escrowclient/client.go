// Package escrowclient is the Replication Engine's (and any other
// node-side caller's) HTTP client for the Key Escrow Service, per spec
// §4.8. It satisfies replication.EscrowUploader without either package
// importing the other's transport details.
package escrowclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls a remote Key Escrow Service over HTTP(S).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a Client targeting baseURL (e.g. "https://escrow.local:8443"),
// authenticating with token when non-empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// SaveKey implements replication.EscrowUploader: it archives the
// freshly minted artifact key under hashHex so the origin node (or any
// node holding the origin's credentials) can recover it later.
func (c *Client) SaveKey(ctx context.Context, hashHex, keyB64, nodeID, name string) error {
	body, err := json.Marshal(map[string]string{
		"hash": hashHex, "key_b64": keyB64, "node_id": nodeID, "name": name,
	})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/keys/save", body)
	if err != nil {
		return fmt.Errorf("escrowclient: save: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("escrowclient: save returned %s", resp.Status)
	}
	return nil
}

// GetKeyResponse mirrors the Escrow's /keys/get payload.
type GetKeyResponse struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
	KeyB64 string `json:"key_b64"`
	Name   string `json:"name"`
	NodeID string `json:"node_id"`
}

// ErrNotFound is returned by GetKey when the Escrow reports the hash
// is unknown.
var ErrNotFound = fmt.Errorf("escrowclient: key not found")

// GetKey recovers a previously escrowed key by its content hash.
func (c *Client) GetKey(ctx context.Context, hashHex string) (GetKeyResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/keys/get?hash="+hashHex, nil)
	if err != nil {
		return GetKeyResponse{}, fmt.Errorf("escrowclient: get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return GetKeyResponse{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return GetKeyResponse{}, fmt.Errorf("escrowclient: get returned %s", resp.Status)
	}
	var out GetKeyResponse
	dec := json.NewDecoder(resp.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return GetKeyResponse{}, fmt.Errorf("escrowclient: decode: %w", err)
	}
	return out, nil
}

// DeleteKey removes a key the caller's nodeID originated. It reports
// false (no error) when the Escrow reports not_found, mirroring the
// Escrow's ownership-scoped delete semantics.
func (c *Client) DeleteKey(ctx context.Context, hashHex, nodeID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/keys/delete?hash="+hashHex+"&node_id="+nodeID, nil)
	if err != nil {
		return false, fmt.Errorf("escrowclient: delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("escrowclient: delete returned %s", resp.Status)
	}
	return true, nil
}
