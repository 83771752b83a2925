// Command keyescrow runs the Key Escrow Service standalone: a
// bearer-token-guarded custodian of per-artifact symmetric keys,
// sealed at rest under a master key. Grounded on the original
// keysaver-server's main, adapted to the mesh's ratelimit and slog
// conventions.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lattice-mesh/meshnet/internal/escrow"
	"github.com/lattice-mesh/meshnet/internal/privacylog"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	port := flag.Int("port", 8443, "listen port")
	dbPath := flag.String("db", "escrow.db", "SQLite database path")
	masterKey := flag.String("master-key", "", "master key used to seal stored keys (required)")
	certFile := flag.String("cert", "server.crt", "TLS certificate file")
	keyFile := flag.String("key", "server.key", "TLS private key file")
	tokensFlag := flag.String("tokens", "", "comma-separated API tokens (empty = no auth)")
	httpMode := flag.Bool("http", false, "use plain HTTP instead of HTTPS (dev only)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("keyescrow version=%s commit=%s\n", version, commit)
		return
	}

	if env := os.Getenv("MESHNET_ESCROW_MASTER_KEY"); env != "" {
		*masterKey = env
	}
	if env := os.Getenv("MESHNET_ESCROW_TOKENS"); env != "" {
		*tokensFlag = env
	}
	if *masterKey == "" {
		log.Fatal("keyescrow: master key is required (--master-key or MESHNET_ESCROW_MASTER_KEY)")
	}

	var tokens []string
	if *tokensFlag != "" {
		for _, t := range strings.Split(*tokensFlag, ",") {
			tokens = append(tokens, strings.TrimSpace(t))
		}
	}

	storage, err := escrow.Open(*dbPath, *masterKey)
	if err != nil {
		log.Fatalf("keyescrow: open storage: %v", err)
	}
	defer storage.Close()

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	srv := escrow.New(storage, escrow.Config{
		AuthTokens: tokens,
		RateRPS:    20,
		RateBurst:  40,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if *httpMode {
		logger.Warn("keyescrow: starting HTTP server (dev mode, no TLS)", "port", *port)
		if err := httpSrv.ListenAndServe(); err != nil {
			log.Fatalf("keyescrow: http server error: %v", err)
		}
		return
	}

	if _, err := os.Stat(*certFile); os.IsNotExist(err) {
		log.Fatalf("keyescrow: certificate file not found: %s", *certFile)
	}
	httpSrv.TLSConfig = escrow.TLSConfig()

	logger.Info("keyescrow: starting HTTPS server", "port", *port)
	if err := httpSrv.ListenAndServeTLS(*certFile, *keyFile); err != nil {
		log.Fatalf("keyescrow: https server error: %v", err)
	}
}
