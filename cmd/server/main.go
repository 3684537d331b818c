package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/sashko-guz/atelier/internal/cache"
	"github.com/sashko-guz/atelier/internal/config"
	"github.com/sashko-guz/atelier/internal/handler"
	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/metadata"
	"github.com/sashko-guz/atelier/internal/pipeline"
	"github.com/sashko-guz/atelier/internal/service"
	"github.com/sashko-guz/atelier/internal/storage"
	"github.com/sashko-guz/atelier/internal/storage/drivers"
)

func main() {
	// Load .env file if it exists (optional)
	_ = godotenv.Load()
	logger.InitFromEnv()

	cfg := config.Load()
	logger.Infof("[Server] Starting image editing server…")

	// Configure libvips concurrency if provided
	var vipsCfg *vips.Config
	if vipsConcurrency := os.Getenv("VIPS_CONCURRENCY"); vipsConcurrency != "" {
		conc, err := strconv.Atoi(vipsConcurrency)
		if err != nil || conc <= 0 {
			logger.Warnf("[Server] Ignoring VIPS_CONCURRENCY=%q (must be positive integer)", vipsConcurrency)
		} else {
			vipsCfg = &vips.Config{ConcurrencyLevel: conc}
			logger.Infof("[Server] libvips concurrency set to %d via VIPS_CONCURRENCY", conc)
		}
	}
	vips.Startup(vipsCfg)
	defer vips.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := metadata.New(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Fatalf("[Server] Failed to connect to postgres: %v", err)
	}
	defer meta.Close()
	if err := meta.EnsureSchema(ctx); err != nil {
		logger.Fatalf("[Server] Failed to ensure schema: %v", err)
	}

	thumbCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("[Server] Failed to initialize cache: %v", err)
	}
	defer thumbCache.Close()
	if err := thumbCache.Ping(ctx); err != nil {
		logger.Warnf("[Server] Cache unreachable at startup, continuing degraded: %v", err)
	}

	signer, err := storage.NewSigner(cfg.SignatureSecret)
	if err != nil {
		logger.Fatalf("[Server] Failed to initialize URL signer: %v", err)
	}

	store, err := drivers.NewFromConfig(ctx, cfg, signer)
	if err != nil {
		logger.Fatalf("[Server] Failed to initialize object storage: %v", err)
	}

	pipe := pipeline.New()
	images := service.NewImageService(meta, store, thumbCache, pipe,
		cfg.MaxUploadBytes, cfg.SignedURLTTL, cfg.ThumbCacheTTL, cfg.LockTTL)
	revisions := service.NewRevisionService(meta, store, thumbCache, pipe, cfg.SignedURLTTL)

	// The /blobs route only exists in local mode; S3 serves its own URLs.
	blobs, _ := store.(storage.SignedBlobServer)
	h := handler.New(images, revisions, blobs, cfg.MaxUploadBytes)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{cfg.CORSOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "x-user-id"},
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(h.Routes()),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("[Server] Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("[Server] Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("[Server] Shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("[Server] Graceful shutdown failed: %v", err)
	}

	if local, ok := store.(*drivers.Local); ok {
		local.Close()
	}
}
