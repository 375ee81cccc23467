// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmarkhas/reelcache/internal/config"
	"github.com/dmarkhas/reelcache/recordstore"
	"github.com/dmarkhas/reelcache/replica"
	"github.com/dmarkhas/reelcache/router"
	"github.com/dmarkhas/reelcache/syncapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)

	store, err := replica.Open(cfg.Replica.Path, replica.Config{
		MaxRecords: cfg.Replica.MaxRecords,
		MaxBytes:   cfg.Replica.MaxBytes,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to open replica: %v", err)
	}
	defer store.Close()

	respCache, err := router.OpenResponseCache(cfg.Replica.CacheDir)
	if err != nil {
		log.Fatalf("Failed to open response cache: %v", err)
	}
	defer respCache.Close()

	records := recordstore.NewClient(cfg.Origin.URL, cfg.Origin.Token, logger)
	service := syncapi.NewService(records, cfg.Sync.PageLimit, logger)
	syncer := syncapi.NewSyncer(service, store, logger)
	sessionAuth := syncapi.NewSessionAuth(cfg.Server.SessionSecret)
	handlers := syncapi.NewHandlers(service, store, sessionAuth, logger)

	gateway, err := router.New(router.Config{
		Origin:         cfg.Origin.URL,
		ThumbnailHosts: cfg.Origin.ThumbnailHosts,
		DevMode:        cfg.Origin.DevMode,
	}, store, respCache, nil, logger)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	mode := router.NewModeController(store, syncer, logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Post("/api/session", handlers.HandleSignIn)
	r.Post("/api/sync", handlers.HandleSync)
	r.Get("/api/queue", handlers.HandleQueueList)
	r.Post("/api/queue", handlers.HandleQueueAdd)
	r.Delete("/api/queue/{id}", handlers.HandleQueueRemove)
	r.Get("/api/offline-mode", mode.HandleStatus)
	r.Post("/api/offline-mode", mode.HandleToggle)
	r.Post("/api/cache/clear", func(w http.ResponseWriter, req *http.Request) {
		if err := store.ClearAll(req.Context()); err != nil {
			logger.Error("Failed to clear replica", "error", err)
			http.Error(w, "failed to clear replica", http.StatusInternalServerError)
			return
		}
		if err := respCache.Drop(); err != nil {
			logger.Error("Failed to clear response cache", "error", err)
			http.Error(w, "failed to clear response cache", http.StatusInternalServerError)
			return
		}
		records.InvalidateCache()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/*", gateway)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go syncer.Run(ctx, cfg.Sync.Interval)

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      r,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting reelcached", "addr", httpServer.Addr, "origin", cfg.Origin.URL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
