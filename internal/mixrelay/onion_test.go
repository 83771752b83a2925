package mixrelay

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/lattice-mesh/meshnet/internal/nodeid"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

func buildTestPath(t *testing.T, n int) ([]nodeid.Keypair, []wire.PeerRecord) {
	t.Helper()
	keys := make([]nodeid.Keypair, n)
	peers := make([]wire.PeerRecord, n)
	for i := 0; i < n; i++ {
		kp, err := nodeid.GenerateKeypair()
		if err != nil {
			t.Fatalf("GenerateKeypair: %v", err)
		}
		keys[i] = kp
		peers[i] = wire.PeerRecord{
			NodeID:    nodeid.FromPublicKey(kp.Public),
			Addr:      "10.0.0.1:9000",
			PubKeyB64: base64.RawURLEncoding.EncodeToString(kp.Public[:]),
		}
	}
	return keys, peers
}

func TestBuildAndPeelOnionRoundTrip(t *testing.T) {
	keys, peers := buildTestPath(t, 3)
	final := wire.FinalEnvelope{
		Type:     wire.FinalEnvelopeText,
		SenderID: "s1",
		MsgID:    "m1",
		DataB64:  base64.RawURLEncoding.EncodeToString([]byte("hi")),
	}

	data, err := BuildOnion(peers, final, 5)
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	layer, err := PeelLayer(keys[0], data)
	if err != nil {
		t.Fatalf("PeelLayer hop0: %v", err)
	}
	if layer.Meta.Final {
		t.Fatalf("hop0 should not be terminal")
	}
	if layer.Next != peers[1].Addr {
		t.Fatalf("hop0 next = %q, want %q", layer.Next, peers[1].Addr)
	}

	inner, err := base64.RawURLEncoding.DecodeString(layer.PayloadB64)
	if err != nil {
		t.Fatalf("decode hop0 payload: %v", err)
	}
	layer, err = PeelLayer(keys[1], inner)
	if err != nil {
		t.Fatalf("PeelLayer hop1: %v", err)
	}
	if layer.Meta.Final {
		t.Fatalf("hop1 should not be terminal")
	}

	inner, err = base64.RawURLEncoding.DecodeString(layer.PayloadB64)
	if err != nil {
		t.Fatalf("decode hop1 payload: %v", err)
	}
	layer, err = PeelLayer(keys[2], inner)
	if err != nil {
		t.Fatalf("PeelLayer hop2: %v", err)
	}
	if !layer.Meta.Final {
		t.Fatalf("hop2 should be terminal")
	}
	if layer.Meta.MsgID != "m1" {
		t.Fatalf("unexpected msg id %q", layer.Meta.MsgID)
	}
}

func TestPeelLayerRejectsTamperedCiphertext(t *testing.T) {
	keys, peers := buildTestPath(t, 1)
	final := wire.FinalEnvelope{Type: wire.FinalEnvelopeText, MsgID: "m1", DataB64: "xx"}

	data, err := BuildOnion(peers, final, 5)
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	var pkt wire.OnionPacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		t.Fatalf("unmarshal packet: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(pkt.CiphertextB64)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	pkt.CiphertextB64 = base64.RawURLEncoding.EncodeToString(raw)
	tampered, err := json.Marshal(pkt)
	if err != nil {
		t.Fatalf("marshal tampered packet: %v", err)
	}

	if _, err := PeelLayer(keys[0], tampered); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
