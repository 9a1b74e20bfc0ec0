package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corpwell/campaigner/internal/api"
	"github.com/corpwell/campaigner/internal/archive"
	"github.com/corpwell/campaigner/internal/config"
	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/engine"
	"github.com/corpwell/campaigner/internal/history"
	"github.com/corpwell/campaigner/internal/relay"
	"github.com/corpwell/campaigner/internal/render"
	"github.com/corpwell/campaigner/internal/resume"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	store, err := buildResumeStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize resume store: %v", err)
	}

	var sink history.Sink
	if cfg.History.DatabaseURL != "" {
		pg, err := history.NewPostgresSink(cfg.History.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect history database: %v", err)
		}
		defer pg.Close()
		sink = pg
		log.Println("History: PostgreSQL")
	} else {
		sink = history.NewMemorySink()
		log.Println("History: in-memory (set DATABASE_URL for persistence)")
	}

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize archive: %v", err)
	}

	sender, err := buildSender(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize send channel: %v", err)
	}

	renderer := render.NewRenderer(
		render.NewTrackingLinks(cfg.Tracking.BaseURL, cfg.Tracking.UnsubURL),
		cfg.Tracking.SenderName, cfg.Tracking.SenderTitle,
	)

	eng := engine.New(renderer, sender, store, engine.Config{
		ConcurrencyCap:  cfg.Dispatch.ConcurrencyCap,
		CheckpointBatch: cfg.Dispatch.BatchSize,
	})

	identity := domain.SenderIdentity{
		Address:    cfg.Relay.SenderAddress,
		Credential: cfg.Relay.Password,
		Host:       cfg.Relay.Host,
		Port:       cfg.Relay.Port,
	}
	manager := api.NewManager(eng, store, sink, archiver)
	router := api.SetupRoutes(api.NewHandlers(manager, sink, identity))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting campaign server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func buildResumeStore(cfg *config.Config) (resume.Store, error) {
	if cfg.Resume.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Resume.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		log.Println("Resume store: Redis")
		return resume.NewRedisStore(redis.NewClient(opts)), nil
	}
	log.Printf("Resume store: filesystem (%s)", cfg.Resume.Dir)
	return resume.NewFileStore(cfg.Resume.Dir)
}

func buildArchiver(ctx context.Context, cfg *config.Config) (archive.Archiver, error) {
	if cfg.Archive.Backend == "s3" {
		log.Printf("Archive: S3 bucket %s", cfg.Archive.S3Bucket)
		return archive.NewS3Archiver(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region)
	}
	log.Printf("Archive: local directory %s", cfg.Archive.Dir)
	return archive.NewLocalArchiver(cfg.Archive.Dir)
}

func buildSender(ctx context.Context, cfg *config.Config) (relay.Sender, error) {
	if cfg.SES.Enabled {
		log.Printf("Send channel: Amazon SES (%s)", cfg.SES.Region)
		return relay.NewSESSender(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	}
	log.Printf("Send channel: SMTP relay %s:%d", cfg.Relay.Host, cfg.Relay.Port)
	return relay.NewSMTPSender(time.Duration(cfg.Relay.TimeoutSeconds) * time.Second), nil
}
