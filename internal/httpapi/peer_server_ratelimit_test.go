package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lattice-mesh/meshnet/internal/ratelimit"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

func TestRateLimitedRejectsOverBudgetCallers(t *testing.T) {
	s := newTestPeerServer(t)
	s.limiter = ratelimit.New(1, 1, time.Minute)

	wrapped := s.rateLimited(s.handleReplicate)

	req1 := httptest.NewRequest("POST", "/replicate", bytes.NewReader([]byte("{not json")))
	req1.RemoteAddr = "203.0.113.9:51000"
	rec1 := httptest.NewRecorder()
	wrapped(rec1, req1)
	if rec1.Code == 429 {
		t.Fatalf("first request should not be rate limited, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest("POST", "/replicate", bytes.NewReader([]byte("{not json")))
	req2.RemoteAddr = "203.0.113.9:51001"
	rec2 := httptest.NewRecorder()
	wrapped(rec2, req2)
	if rec2.Code != 429 {
		t.Fatalf("second request from the same IP should be rate limited, got %d", rec2.Code)
	}
}

func TestHandleReplicateChainMismatchIncludesBothTips(t *testing.T) {
	s := newTestPeerServer(t)
	env := wire.ReplicationEnvelope{
		MsgID:     "m1",
		OriginID:  "n2",
		Name:      "a.txt",
		HashHex:   "deadbeef",
		PrevHash:  "not-the-real-tip",
		CipherB64: "AAAA",
		Created:   1,
	}
	body, _ := json.Marshal(env)
	req := httptest.NewRequest("POST", "/replicate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleReplicate(rec, req)
	if rec.Code != 409 {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		LocalTip         string `json:"local_tip"`
		RejectedPrevHash string `json:"rejected_prev_hash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.LocalTip != s.repl.Tip() {
		t.Fatalf("expected local_tip %q, got %q", s.repl.Tip(), resp.LocalTip)
	}
	if resp.RejectedPrevHash != env.PrevHash {
		t.Fatalf("expected rejected_prev_hash %q, got %q", env.PrevHash, resp.RejectedPrevHash)
	}
}
