// Command witnessvaultd runs the local capture daemon: it owns the
// durable session/upload/key stores, drives the SessionManager, exposes
// the control API over HTTP, and serves Prometheus metrics, health, and
// pprof endpoints. Grounded on the teacher's daemon/main.go wiring order
// (observability first, config, stores, services, API servers, signal
// wait, graceful shutdown), with the QUIC accept loop and transfer
// orchestration removed — this daemon takes segments over the control API
// rather than from a peer connection — and internal/session.Manager
// standing in for daemon/service.TransferService.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/witnessvault/core/daemon/api/server"
	"github.com/witnessvault/core/daemon/config"
	"github.com/witnessvault/core/internal/devwallet"
	"github.com/witnessvault/core/internal/events"
	"github.com/witnessvault/core/internal/keyvault"
	"github.com/witnessvault/core/internal/objectcache"
	"github.com/witnessvault/core/internal/objectstore"
	"github.com/witnessvault/core/internal/observability"
	"github.com/witnessvault/core/internal/ledger"
	"github.com/witnessvault/core/internal/ratelimit"
	"github.com/witnessvault/core/internal/securestore"
	"github.com/witnessvault/core/internal/session"
	"github.com/witnessvault/core/internal/uploadqueue"
)

func main() {
	restAddr := flag.String("rest-addr", "127.0.0.1:8080", "REST control API address")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "Observability server address")
	dataDir := flag.String("data-dir", "", "Override data directory")
	walletPassphrase := flag.String("wallet-passphrase", os.Getenv("WITNESSVAULT_WALLET_PASSPHRASE"), "Wallet keystore passphrase")
	ledgerEndpoint := flag.String("ledger-endpoint", "", "Ledger service base URL (empty uses an in-memory fake)")
	flag.Parse()

	logger := observability.NewLogger("witnessvaultd", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "witnessvaultd"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("WitnessVault daemon starting...")

	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	cfg.RESTAddress = *restAddr
	cfg.ObservAddress = *observAddr
	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	if *ledgerEndpoint != "" {
		cfg.LedgerEndpoint = *ledgerEndpoint
	}

	if err := os.MkdirAll(cfg.DataDirectory, 0700); err != nil {
		logger.Fatal(err, "Failed to create data directory")
	}
	logger.Info("Configuration loaded")
	log.Printf("  Data directory: %s", cfg.DataDirectory)
	log.Printf("  REST address: %s", cfg.RESTAddress)

	// Load the signing wallet.
	wallet, err := devwallet.Load(cfg.WalletKeystore, *walletPassphrase)
	if err != nil {
		logger.Fatal(err, "Failed to load wallet keystore — run 'keygen generate' first")
	}
	logger.Info("Wallet identity loaded")
	uploader := wallet.Address()

	personalKey, err := keyvault.DerivePersonalKey(mustSignTypedData(wallet, logger))
	if err != nil {
		logger.Fatal(err, "Failed to derive personal key")
	}

	secureStore, err := securestore.Open(cfg.SecureStorePath(), personalKey)
	if err != nil {
		logger.Fatal(err, "Failed to open secure store")
	}
	defer secureStore.Close()

	sessionStore, err := session.OpenStore(cfg.SessionStorePath())
	if err != nil {
		logger.Fatal(err, "Failed to open session store")
	}
	defer sessionStore.Close()

	dedupe, err := objectcache.Open(cfg.ObjectCachePath())
	if err != nil {
		logger.Fatal(err, "Failed to open object cache")
	}
	defer dedupe.Close()

	objects, err := objectstore.Open(cfg.ObjectStorePath())
	if err != nil {
		logger.Fatal(err, "Failed to open object store")
	}
	defer objects.Close()

	queue, err := uploadqueue.Open(cfg.UploadQueuePath())
	if err != nil {
		logger.Fatal(err, "Failed to open upload queue")
	}
	defer queue.Close()

	var ledgerClient ledger.Client
	if cfg.LedgerEndpoint != "" {
		ledgerClient = ledger.NewHTTPClient(cfg.LedgerEndpoint)
	} else {
		logger.Warn("No ledger endpoint configured, using in-memory fake ledger client")
		ledgerClient = ledger.NewFakeClient()
	}

	eventPublisher := events.NewPublisher(cfg.EventBufferSize)
	log.Printf("Event publisher initialized (buffer size: %d)", cfg.EventBufferSize)

	sessionManager := session.NewManager(session.Config{
		Store:             sessionStore,
		SecureStore:       secureStore,
		ContentStore:      objects,
		LedgerClient:      ledgerClient,
		Queue:             queue,
		Dedupe:            dedupe,
		Events:            eventPublisher,
		Logger:            logger,
		Metrics:           metrics,
		LedgerSubmitRate:  cfg.LedgerSubmitRate,
		LedgerSubmitBurst: cfg.LedgerSubmitBurst,
	})
	sessionManager.OnBackpressure(func(ev session.BackpressureEvent) {
		metrics.SetQueueDepth(ev.Pending)
		logger.Warn("session backpressure: pending segments above soft limit")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionManager.Start(ctx)
	logger.Info("Session manager started")

	if err := sessionManager.Recover(ctx, wallet); err != nil {
		logger.Error(err, "Session recovery encountered an error")
	} else {
		logger.Info("Session recovery complete")
	}

	go objects.StartGCLoop(ctx, time.Duration(cfg.GCRetentionSeconds)*time.Second, time.Duration(cfg.GCIntervalSeconds)*time.Second)

	healthChecker.RegisterCheck("wallet", observability.WalletCheck(true))
	healthChecker.RegisterCheck("session_store", observability.DatabaseCheck(cfg.SessionStorePath()))
	healthChecker.RegisterCheck("secure_store", observability.DatabaseCheck(cfg.SecureStorePath()))
	healthChecker.RegisterCheck("object_store", observability.DatabaseCheck(cfg.ObjectStorePath()))
	healthChecker.RegisterCheck("ledger", observability.LedgerCheck(cfg.LedgerEndpoint != ""))
	healthChecker.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.DataDirectory, 1))

	go startObservabilityServer(cfg.ObservAddress, metrics, healthChecker, logger)

	createLimiter := ratelimit.NewLimiter(cfg.SessionAcceptRate, cfg.SessionAcceptBurst)
	apiServer := server.NewDaemonAPIServer(sessionManager, eventPublisher, wallet, uploader, createLimiter)
	grpcStop, restStop, err := server.StartAPIServers(ctx, "127.0.0.1:0", cfg.RESTAddress, apiServer)
	if err != nil {
		logger.Fatal(err, "Failed to start API servers")
	}
	logger.Info("Control API started on " + cfg.RESTAddress)

	logger.Info("WitnessVault daemon running")
	logger.Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	grpcStop()
	restStop()
	queue.Stop()

	logger.Info("Daemon stopped")
}

func mustSignTypedData(wallet *devwallet.Wallet, logger *observability.Logger) []byte {
	sig, err := wallet.SignTypedData(devwallet.DefaultTypedMessage)
	if err != nil {
		logger.Fatal(err, "Failed to sign typed data for personal-key derivation")
	}
	return sig
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("Observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "Observability server error")
	}
}
