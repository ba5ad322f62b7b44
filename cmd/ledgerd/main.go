// Package main provides ledgerd - the balance-change reconstruction daemon.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/ledger-engine/internal/config"
	"github.com/klingon-exchange/ledger-engine/internal/discovery"
	"github.com/klingon-exchange/ledger-engine/internal/eventstream"
	"github.com/klingon-exchange/ledger-engine/internal/hints"
	"github.com/klingon-exchange/ledger-engine/internal/pipeline"
	"github.com/klingon-exchange/ledger-engine/internal/rpcadapter"
	"github.com/klingon-exchange/ledger-engine/internal/scheduler"
	"github.com/klingon-exchange/ledger-engine/internal/storage"
	"github.com/klingon-exchange/ledger-engine/internal/tokenregistry"
	"github.com/klingon-exchange/ledger-engine/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.ledgerd", "Data directory")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		rpcEndpoint = flag.String("rpc-endpoint", "", "Archival node JSON-RPC endpoint, overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("ledgerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *rpcEndpoint != "" {
		cfg.RPC.Endpoint = *rpcEndpoint
	}
	cfg.Storage.DataDir = *dataDir

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.Path(*dataDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(&storage.Config{DataDir: config.ExpandPath(filepath.Clean(cfg.Storage.DataDir))})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.Storage.DataDir)

	client := rpcadapter.New(cfg.RPC.Endpoint, cfg.RPC.Bearer)
	log.Info("rpc adapter initialized", "endpoint", cfg.RPC.Endpoint)

	hintProvider := hints.Provider(hints.NullProvider{})
	if cfg.Hints.Endpoint != "" {
		hintProvider = hints.NewHTTPProvider(cfg.Hints.Endpoint, cfg.Hints.Bearer, cfg.Hints.SupportedTokens)
		log.Info("hint provider configured", "endpoint", cfg.Hints.Endpoint)
	}

	discoveryCfg := discovery.Config{MultiTokenContracts: cfg.Discovery.MultiTokenContracts}
	if cfg.Discovery.IndexEndpoint != "" {
		discoveryCfg.Index = discovery.NewHTTPIndexClient(cfg.Discovery.IndexEndpoint, cfg.Discovery.IndexBearer)
	}
	if cfg.Discovery.TraceEndpoint != "" {
		discoveryCfg.Traces = discovery.NewHTTPTraceScanner(cfg.Discovery.TraceEndpoint, cfg.Discovery.TraceBearer)
	}
	if len(cfg.Discovery.MultiTokenContracts) > 0 {
		discoveryCfg.Views = client
	}
	discoverer := discovery.New(discoveryCfg)

	registry := tokenregistry.Default()

	runner := pipeline.New(pipeline.Config{
		Store:          store,
		Client:         client,
		Registry:       registry,
		Discovery:      discoverer,
		Hints:          hintProvider,
		LookbackBlocks: cfg.GapFill.LookbackBlocks,
	})

	var hub *eventstream.Hub
	if cfg.Dashboard.ListenAddr != "" {
		hub = eventstream.NewHub()
		go hub.Run()

		mux := http.NewServeMux()
		mux.HandleFunc("/events", hub.ServeWS)
		dashboardServer := &http.Server{Addr: cfg.Dashboard.ListenAddr, Handler: mux}
		go func() {
			if err := dashboardServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("dashboard event feed stopped unexpectedly", "error", err)
			}
		}()
		log.Info("dashboard event feed listening", "addr", cfg.Dashboard.ListenAddr)

		go func() {
			<-ctx.Done()
			dashboardServer.Close()
		}()
	}

	sched := scheduler.New(store, runner, scheduler.Config{
		PeriodicInterval:   cfg.Scheduler.PeriodicInterval,
		DirtyWatchInterval: cfg.Scheduler.DirtyWatchInterval,
		MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
		Events:             hub,
	})
	sched.Start()
	log.Info("scheduler started",
		"periodic_interval", cfg.Scheduler.PeriodicInterval,
		"dirty_watch_interval", cfg.Scheduler.DirtyWatchInterval,
		"max_concurrency", cfg.Scheduler.MaxConcurrency,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight pipeline runs")
	sched.Stop()
	log.Info("ledgerd stopped cleanly")
}
