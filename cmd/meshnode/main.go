// Command meshnode is the thin process wrapper around the mesh
// engines: it parses flags, loads configuration, wires every
// internal/* package together, and runs until SIGINT/SIGTERM. All
// real logic lives in the internal packages; an embedder can link the
// same packages in-process instead of shelling out to this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lattice-mesh/meshnet/internal/beacon"
	"github.com/lattice-mesh/meshnet/internal/chain"
	"github.com/lattice-mesh/meshnet/internal/command"
	"github.com/lattice-mesh/meshnet/internal/config"
	"github.com/lattice-mesh/meshnet/internal/dht"
	"github.com/lattice-mesh/meshnet/internal/escrowclient"
	"github.com/lattice-mesh/meshnet/internal/events"
	"github.com/lattice-mesh/meshnet/internal/httpapi"
	"github.com/lattice-mesh/meshnet/internal/metrics"
	"github.com/lattice-mesh/meshnet/internal/mixrelay"
	"github.com/lattice-mesh/meshnet/internal/nodeid"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/internal/privacylog"
	"github.com/lattice-mesh/meshnet/internal/replication"
	"github.com/lattice-mesh/meshnet/internal/sealedstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "override the data directory")
	provision := flag.Bool("provision", false, "create a new Sealed Envelope under data-dir and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshnode version=%s commit=%s\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("meshnode: config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.Passphrase == "" {
		log.Fatal("meshnode: no passphrase set (MESHNET_PASSPHRASE)")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("meshnode: create data dir: %v", err)
	}
	envelopePath := filepath.Join(cfg.DataDir, "envelope.bin")

	if *provision {
		if _, err := sealedstore.Provision(envelopePath, cfg.Passphrase, false); err != nil {
			log.Fatalf("meshnode: provision: %v", err)
		}
		log.Printf("meshnode: provisioned new Sealed Envelope at %s", envelopePath)
		return
	}

	env, err := sealedstore.Open(envelopePath, cfg.Passphrase)
	if err != nil {
		log.Fatalf("meshnode: open Sealed Envelope: %v", err)
	}

	keys, err := nodeid.GenerateKeypair()
	if err != nil {
		log.Fatalf("meshnode: generate keypair: %v", err)
	}
	selfID := nodeid.FromPublicKey(keys.Public)

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	directory := peerdir.New()
	peersPath := filepath.Join(cfg.DataDir, "peers.snap")
	if saved, err := peerdir.Load(peersPath, env.FileKey); err == nil {
		directory.Merge(saved)
	} else if !os.IsNotExist(err) {
		logger.Warn("meshnode: peer snapshot load failed", "error", err)
	}

	chainLog, err := chain.Open(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		log.Fatalf("meshnode: open chain: %v", err)
	}

	hub := events.NewHub(256)
	client := httpapi.NewPeerClient()

	var escrow *escrowclient.Client
	if cfg.EscrowURL != "" {
		escrow = escrowclient.New(cfg.EscrowURL, cfg.EscrowToken)
	}

	repl := replication.New(replication.Config{
		NodeID:    selfID,
		BaseDir:   cfg.DataDir,
		Chain:     chainLog,
		Directory: directory,
		Forwarder: client,
		Escrow:    escrowUploaderOrNil(escrow),
		Logger:    logger,
	})

	mixStore := mixrelay.NewFileStore(filepath.Join(cfg.DataDir, "mix"))
	mix := mixrelay.New(keys, client, mixStore, logger)

	table := dht.New()
	commands := command.New(selfID, directory, client, hub, logger)

	beaconTransport := beacon.New(beacon.Config{
		Group:           cfg.MulticastGroup,
		Port:            cfg.MulticastPort,
		ForcedInterface: cfg.ForcedInterface,
		CIDR:            cfg.MulticastCIDR,
		Interval:        cfg.BeaconInterval,
		APIPort:         cfg.PeerPort,
		NodeID:          selfID,
		PubKey:          keys.Public,
		BeaconKey:       env.BeaconKey,
	}, directory, logger)

	peerAddr := fmt.Sprintf("%s:%d", cfg.BindIP, cfg.PeerPort)
	loopbackAddr := fmt.Sprintf("127.0.0.1:%d", cfg.LoopbackPort)

	peerSrv := httpapi.NewPeerServer(peerAddr, repl, mix, table, commands, httpapi.PeerServerConfig{
		RateRPS:   cfg.PeerRateRPS,
		RateBurst: cfg.PeerRateBurst,
	})
	loopbackSrv := httpapi.NewLoopbackServer(loopbackAddr, httpapi.LoopbackDeps{
		NodeID:        selfID,
		Repl:          repl,
		Beacon:        beaconTransport,
		Chain:         chainLog,
		Directory:     directory,
		Commands:      commands,
		Client:        client,
		FileKey:       env.FileKey,
		PeersPath:     peersPath,
		EnvPath:       envelopePath,
		MixMaxPathLen: cfg.MixMaxPathLen,
		MixTTL:        8,
		Registry:      metrics.Registry(),
	})

	go runServer(logger, "peer", peerSrv)
	go runServer(logger, "loopback", loopbackSrv)

	if err := beaconTransport.Start(ctx); err != nil {
		logger.Error("meshnode: beacon transport failed to start", "error", err)
	}

	go snapshotLoop(ctx, logger, directory, peersPath, env.FileKey, cfg.PeerSnapshotInterval)

	logger.Info("meshnode started", "node_id", selfID, "peer_addr", peerAddr, "loopback_addr", loopbackAddr)
	<-ctx.Done()
	logger.Info("meshnode shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = peerSrv.Shutdown(shutdownCtx)
	_ = loopbackSrv.Shutdown(shutdownCtx)
}

// escrowUploaderOrNil avoids handing replication.Engine a non-nil
// interface value wrapping a nil *escrowclient.Client, which would
// make the Engine's "escrow configured" nil-check always true.
func escrowUploaderOrNil(c *escrowclient.Client) replication.EscrowUploader {
	if c == nil {
		return nil
	}
	return c
}

func runServer(logger *slog.Logger, name string, srv *http.Server) {
	logger.Info("meshnode: starting server", "name", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("meshnode: server failed", "name", name, "error", err)
	}
}

func snapshotLoop(ctx context.Context, logger *slog.Logger, dir *peerdir.Directory, path string, fileKey [32]byte, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dir.Save(path, fileKey); err != nil {
				logger.Warn("meshnode: peer snapshot save failed", "error", err)
			}
		}
	}
}
