package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scribe/collab/internal/access"
	"scribe/collab/internal/config"
	"scribe/collab/internal/docstore"
	"scribe/collab/internal/gateway"
	"scribe/collab/internal/httpapi"
	"scribe/collab/internal/registry"
	"scribe/collab/internal/room"
	"scribe/collab/internal/store"
	"scribe/collab/internal/sweeper"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var resolver access.MaskResolver = access.NewResolver(dataStore, dataStore, dataStore, cfg.StoreTimeout)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis mask cache")
		cached, err := access.NewCachedResolver(cfg.RedisURL, resolver, access.DefaultCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cached.Close()
		resolver = cached
	}

	var snapshots *docstore.Snapshots
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Printf("Using MinIO snapshot storage")
		snapshots, err = docstore.NewSnapshots(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
	}
	docs := docstore.NewPostgres(db, snapshots)

	sessions := registry.New()
	rooms := room.NewBroadcaster()
	gw := gateway.New(sessions, rooms, resolver, docs)

	promRegistry := prometheus.NewRegistry()
	metrics := sweeper.NewMetrics(promRegistry)
	sw := sweeper.New(sessions, rooms, gw.Evict, cfg.EffectiveStaleAfter(), cfg.SweepInterval, cfg.StatsInterval, metrics)
	sw.Start()

	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	var snapshotSaver httpapi.SnapshotSaver
	if snapshots != nil {
		snapshotSaver = docs
	}
	api := httpapi.NewServer(resolver, dataStore, snapshotSaver, gw, metricsHandler, cfg.SyncToken, cfg.PingInterval, cfg.PingTimeout, cfg.MaxPayloadBytes)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Collaboration gateway listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	sw.Stop()
}
