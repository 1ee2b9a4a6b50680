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

	"github.com/stumn/Chatment-sub000/internal/app"
	"github.com/stumn/Chatment-sub000/internal/archive"
	"github.com/stumn/Chatment-sub000/internal/config"
	"github.com/stumn/Chatment-sub000/internal/history"
	"github.com/stumn/Chatment-sub000/internal/hub"
	"github.com/stumn/Chatment-sub000/internal/lock"
	"github.com/stumn/Chatment-sub000/internal/search"
	"github.com/stumn/Chatment-sub000/internal/session"
	"github.com/stumn/Chatment-sub000/internal/store"
	"github.com/stumn/Chatment-sub000/internal/transport"
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

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archiveService := archive.New(cfg.ArchiveDir)

	pglike := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pglike)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	registry := hub.NewRegistry()
	locks := lock.New(cfg.LockTTL)

	opts := []session.Option{
		session.WithSearchIndex(searchService),
		session.WithHistoryLimit(cfg.HistoryLimit),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for room history cache")
		cache, err := history.NewCache(cfg.RedisURL, cfg.HistoryTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		opts = append(opts, session.WithHistoryCache(cache))
	} else {
		log.Printf("Room history served from PostgreSQL (no Redis configured)")
	}
	coordinator := session.New(dataStore, locks, registry, opts...)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			coordinator.SweepExpiredLocks()
		}
	}()

	service := app.NewService(dataStore, registry).
		WithArchive(archiveService).
		WithSearch(searchService)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewWSServer(coordinator))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Chatment listening on %s", cfg.Addr)
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
}
