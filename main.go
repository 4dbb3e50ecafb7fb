// Command vitalstream wires the replication-log ingest pipeline, the
// in-memory cache/subscription/dispatch core, and the per-client websocket
// session loop into one running server (spec.md §1-§6).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vitalstream/internal/activity"
	"vitalstream/internal/analysis"
	"vitalstream/internal/cache"
	"vitalstream/internal/cdc"
	"vitalstream/internal/chatbridge"
	"vitalstream/internal/config"
	"vitalstream/internal/dispatch"
	"vitalstream/internal/httpapi"
	"vitalstream/internal/logging"
	"vitalstream/internal/metrics"
	"vitalstream/internal/patients"
	"vitalstream/internal/registry"
	"vitalstream/internal/session"
	"vitalstream/internal/snapshotstore"
)

func main() {
	cfg, err := config.Load(os.Getenv("VITALSTREAM_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	metricsReg := metrics.New()

	sampleCache := cache.New()
	subs := registry.New()
	tracker := activity.New(cfg.InactivityThreshold,
		activity.WithLogger(logger),
		activity.WithActiveGauge(metricsReg.Session.ActiveCount))

	pool := dispatch.New(cfg.DispatchWorkers, cfg.DispatchQueueCap, sampleCache, subs,
		dispatch.WithLogger(logger), dispatch.WithMetrics(&metricsReg.Dispatch))
	pool.Start()
	defer pool.Stop()

	decoder := cdc.New(sampleCache, tracker, subs, pool, logger)
	source, err := cdc.NewMySQLSource(cfg.DB, cfg.Replication, decoder, logger)
	if err != nil {
		logger.Fatal("failed to configure replication source", logging.Error(err))
	}

	stop := make(chan struct{})
	go tracker.Run(stop)
	go func() {
		if err := source.Run(stop); err != nil {
			logger.Error("replication source terminated", logging.Error(err))
		}
	}()

	db, err := sql.Open("mysql", cfg.DB.DSN())
	if err != nil {
		logger.Fatal("failed to open database connection", logging.Error(err))
	}
	defer db.Close()

	patientRepo := patients.New(db)
	snapshotStore := snapshotstore.New(db)
	analysisBridge := analysis.New(cfg.Analysis, analysis.UnavailableEngine{}, logger)
	defer analysisBridge.Close()
	chat := chatbridge.New(cfg.ChatAPIEndpoint, cfg.ChatAPIKey)

	sessionDeps := session.Deps{
		Cache:       sampleCache,
		Registry:    subs,
		Activity:    tracker,
		Analysis:    analysisBridge,
		Snapshots:   snapshotStore,
		Patients:    patientRepo,
		Chat:        chat,
		AcquireWait: cfg.Analysis.AcquireWait,
		Log:         logger,
	}
	sessionMgr := session.NewManager(sessionDeps, cfg.MaxConnections)

	restHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Patients:  patientRepo,
		Snapshots: snapshotStore,
		Metrics:   metricsReg,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sessionMgr.ServeHTTP)
	restHandlers.Register(mux)

	server := &http.Server{Addr: cfg.Address, Handler: logging.HTTPTraceMiddleware(logger)(mux)}

	go func() {
		logger.Info("vitalstream listening", logging.String("address", cfg.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server terminated", logging.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", logging.Error(err))
	}
}
