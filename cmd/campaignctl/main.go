package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corpwell/campaigner/internal/archive"
	"github.com/corpwell/campaigner/internal/config"
	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/engine"
	"github.com/corpwell/campaigner/internal/history"
	"github.com/corpwell/campaigner/internal/relay"
	"github.com/corpwell/campaigner/internal/render"
	"github.com/corpwell/campaigner/internal/resume"
	"github.com/corpwell/campaigner/internal/roster"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	rosterPath := flag.String("roster", "", "recipient CSV file")
	name := flag.String("name", "", "campaign name")
	subject := flag.String("subject", "", "email subject")
	bodyPath := flag.String("body", "", "body template file (liquid / {name} placeholders)")
	ctaText := flag.String("cta-text", "", "call-to-action button text")
	ctaURL := flag.String("cta-url", "", "call-to-action destination URL")
	resumeID := flag.String("resume", "", "resume the run with this ID from its checkpoint")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *name == "" || *subject == "" {
		log.Fatal("campaign -name and -subject are required")
	}

	body := ""
	if *bodyPath != "" {
		data, err := os.ReadFile(*bodyPath)
		if err != nil {
			log.Fatalf("Failed to read body template: %v", err)
		}
		body = string(data)
	}

	spec := domain.CampaignSpec{
		Name:         *name,
		Subject:      *subject,
		BodyTemplate: body,
		CTAText:      *ctaText,
		CTAURL:       *ctaURL,
		Sender: domain.SenderIdentity{
			Address:    cfg.Relay.SenderAddress,
			Credential: cfg.Relay.Password,
			Host:       cfg.Relay.Host,
			Port:       cfg.Relay.Port,
		},
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := buildResumeStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize resume store: %v", err)
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

	var summary *domain.Summary
	if *resumeID != "" {
		summary = resumeRun(ctx, eng, store, spec, *resumeID)
	} else {
		summary = startRun(ctx, eng, spec, *rosterPath)
	}
	fmt.Println()

	if summary.Cancelled {
		fmt.Printf("Run %s interrupted at %d/%d, resume with -resume %s\n",
			summary.RunID, summary.Cursor, summary.Total, summary.RunID)
	} else {
		fmt.Printf("Run %s completed: %d delivered, %d failed of %d\n",
			summary.RunID, summary.Delivered, summary.Failed, summary.Total)
		record(cfg, spec, summary)
	}

	for email, outcome := range summary.Results {
		if !outcome.Delivered() {
			fmt.Printf("  failed %s: %s\n", email, outcome.Reason)
		}
	}
	if summary.Failed > 0 || summary.Cancelled {
		os.Exit(1)
	}
}

// signalContext cancels on the first SIGINT/SIGTERM so in-flight sends drain
// and a checkpoint is written; a second signal kills the process.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Fprintln(os.Stderr, "\nCancelling, waiting for in-flight sends...")
		cancel()
		<-sig
		os.Exit(130)
	}()
	return ctx, cancel
}

func startRun(ctx context.Context, eng *engine.Engine, spec domain.CampaignSpec, rosterPath string) *domain.Summary {
	if rosterPath == "" {
		log.Fatal("-roster is required to start a run")
	}
	f, err := os.Open(rosterPath)
	if err != nil {
		log.Fatalf("Failed to open roster: %v", err)
	}
	defer f.Close()

	loaded, err := roster.Load(f)
	if err != nil {
		log.Fatalf("Failed to load roster: %v", err)
	}
	if loaded.Skipped > 0 {
		fmt.Printf("Skipped %d unusable roster rows\n", loaded.Skipped)
		for _, msg := range loaded.Errors {
			fmt.Printf("  %s\n", msg)
		}
	}
	fmt.Printf("Sending %q to %d recipients\n", spec.Subject, len(loaded.Recipients))

	summary, err := eng.Run(ctx, spec, loaded.Recipients, drawProgress)
	if err != nil {
		log.Fatalf("Dispatch failed: %v", err)
	}
	return summary
}

func resumeRun(ctx context.Context, eng *engine.Engine, store resume.Store, spec domain.CampaignSpec, runID string) *domain.Summary {
	cp, ok, err := store.Load(ctx, runID)
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	if !ok {
		log.Fatalf("No checkpoint found for run %s", runID)
	}
	fmt.Printf("Resuming run %s at %d/%d\n", runID, cp.Cursor, len(cp.Recipients))

	summary, err := eng.Resume(ctx, spec, cp, drawProgress)
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	return summary
}

const progressWidth = 40

func drawProgress(completed, total int) {
	filled := progressWidth * completed / total
	bar := strings.Repeat("#", filled) + strings.Repeat("-", progressWidth-filled)
	fmt.Printf("\r[%s] %d/%d", bar, completed, total)
}

// record appends the history row and archives per-recipient results.
func record(cfg *config.Config, spec domain.CampaignSpec, summary *domain.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.History.DatabaseURL != "" {
		sink, err := history.NewPostgresSink(cfg.History.DatabaseURL)
		if err != nil {
			log.Printf("History unavailable: %v", err)
		} else {
			defer sink.Close()
			err := sink.Append(ctx, history.Entry{
				SentAt:       time.Now().UTC(),
				CampaignName: spec.Name,
				Subject:      spec.Subject,
				Total:        summary.Total,
				Delivered:    summary.Delivered,
				Failed:       summary.Failed,
			})
			if err != nil {
				log.Printf("History append failed: %v", err)
			}
		}
	}

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		log.Printf("Archive unavailable: %v", err)
		return
	}
	loc, err := archiver.Store(ctx, archive.ReportFromSummary(spec, summary, time.Now()))
	if err != nil {
		log.Printf("Archive failed: %v", err)
		return
	}
	fmt.Printf("Results archived to %s\n", loc)
}

func buildResumeStore(cfg *config.Config) (resume.Store, error) {
	if cfg.Resume.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Resume.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return resume.NewRedisStore(redis.NewClient(opts)), nil
	}
	return resume.NewFileStore(cfg.Resume.Dir)
}

func buildArchiver(ctx context.Context, cfg *config.Config) (archive.Archiver, error) {
	if cfg.Archive.Backend == "s3" {
		return archive.NewS3Archiver(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region)
	}
	return archive.NewLocalArchiver(cfg.Archive.Dir)
}

func buildSender(ctx context.Context, cfg *config.Config) (relay.Sender, error) {
	if cfg.SES.Enabled {
		return relay.NewSESSender(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	}
	return relay.NewSMTPSender(time.Duration(cfg.Relay.TimeoutSeconds) * time.Second), nil
}
