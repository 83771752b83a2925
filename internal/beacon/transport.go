package beacon

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lattice-mesh/meshnet/internal/metrics"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/pkg/wire"
)

// Config is the Beacon Transport's static configuration, passed once
// at construction.
type Config struct {
	Group           string
	Port            int
	ForcedInterface string
	CIDR            string
	Interval        time.Duration
	APIPort         int
	Hostname        string
	NodeID          string
	PubKey          [32]byte
	BeaconKey       [32]byte
}

// Status is the mutable, mutex-guarded liveness state exposed to the
// control surface.
type Status struct {
	InterfaceName string
	LocalIP       string
	LastSentUnix  int64
	LastRecvUnix  int64
	SentCount     int64
	RecvCount     int64
	DropCount     int64
}

// Transport owns the emitter and receiver goroutines for one node.
type Transport struct {
	cfg Config
	log *slog.Logger
	dir *peerdir.Directory

	mu     sync.Mutex
	status Status
}

// New constructs a Transport. Start must be called to begin emitting
// and receiving.
func New(cfg Config, dir *peerdir.Directory, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{cfg: cfg, dir: dir, log: log}
}

// Status returns a value copy of the current liveness state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Start resolves the interface once, then launches the emitter and
// receiver goroutines. Both stop when ctx is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	pick, err := SelectInterface(t.cfg.ForcedInterface, t.cfg.CIDR)
	if err != nil {
		return fmt.Errorf("beacon: select interface: %w", err)
	}

	t.mu.Lock()
	t.status.InterfaceName = pick.Iface.Name
	t.status.LocalIP = pick.IP.String()
	t.mu.Unlock()

	go t.runEmitter(ctx, pick)
	go t.runReceiver(ctx, pick)
	return nil
}

func (t *Transport) runEmitter(ctx context.Context, pick InterfacePick) {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(t.cfg.Group), Port: t.cfg.Port}
	localAddr := &net.UDPAddr{IP: pick.IP, Port: 0}
	conn, err := net.DialUDP("udp", localAddr, groupAddr)
	if err != nil {
		t.log.Error("beacon emitter: dial failed", "error", err)
		return
	}
	defer conn.Close()

	interval := t.cfg.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pubB64 := base64.RawURLEncoding.EncodeToString(t.cfg.PubKey[:])
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b := wire.Beacon{
				Type:      "beacon",
				NodeID:    t.cfg.NodeID,
				APIPort:   t.cfg.APIPort,
				Hostname:  t.cfg.Hostname,
				Timestamp: time.Now().Unix(),
				PubKeyB64: pubB64,
			}
			datagram, err := Seal(b, t.cfg.BeaconKey)
			if err != nil {
				t.log.Warn("beacon emitter: seal failed, skipping tick", "error", err)
				continue
			}
			if _, err := conn.Write(datagram); err != nil {
				t.log.Warn("beacon emitter: write failed", "error", err)
				continue
			}
			t.mu.Lock()
			t.status.LastSentUnix = time.Now().Unix()
			t.status.SentCount++
			t.mu.Unlock()
			metrics.BeaconsSent.Inc()
		}
	}
}

func (t *Transport) runReceiver(ctx context.Context, pick InterfacePick) {
	groupIP := net.ParseIP(t.cfg.Group)
	laddr := &net.UDPAddr{IP: groupIP, Port: t.cfg.Port}
	conn, err := net.ListenMulticastUDP("udp", pick.Iface, laddr)
	if err != nil {
		t.log.Error("beacon receiver: listen failed", "error", err)
		return
	}
	defer conn.Close()
	_ = conn.SetReadBuffer(1 << 20)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Warn("beacon receiver: read failed", "error", err)
			continue
		}

		b, err := Open(buf[:n], t.cfg.BeaconKey)
		if err != nil || b.Type != "beacon" {
			t.mu.Lock()
			t.status.DropCount++
			t.mu.Unlock()
			metrics.BeaconsDropped.Inc()
			continue
		}

		addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(b.APIPort))
		rec := wire.PeerRecord{
			NodeID:   b.NodeID,
			Addr:     addr,
			APIPort:  b.APIPort,
			Hostname: b.Hostname,
			LastSeen: time.Now().Unix(),
		}
		if b.PubKeyB64 != "" {
			if dec, err := base64.RawURLEncoding.DecodeString(b.PubKeyB64); err == nil && len(dec) == 32 {
				rec.PubKeyB64 = b.PubKeyB64
			}
		}
		t.dir.Upsert(rec)

		t.mu.Lock()
		t.status.LastRecvUnix = time.Now().Unix()
		t.status.RecvCount++
		t.mu.Unlock()
		metrics.BeaconsReceived.Inc()
	}
}
