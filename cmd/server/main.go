// Command server runs the campaign API and the public tracking endpoints.
// Launch and the on-demand trigger dispatch in-process; periodic passes,
// recovery and scheduling live in cmd/worker.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lovelink/mailer/internal/api"
	"github.com/lovelink/mailer/internal/config"
	"github.com/lovelink/mailer/internal/pkg/bootstrap"
	"github.com/lovelink/mailer/internal/pkg/logger"
	"github.com/lovelink/mailer/internal/storage"
	"github.com/lovelink/mailer/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	bootstrap.ConfigureLogger(cfg.Logging)

	flush, err := bootstrap.InitSentry(cfg.Sentry, "mailer-server")
	if err != nil {
		logger.Warn("sentry disabled", "error", err)
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := bootstrap.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	defer db.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Redis: %v", err)
	}
	defer rdb.Close()

	p, err := bootstrap.NewPipeline(ctx, cfg, db, rdb)
	if err != nil {
		log.Fatalf("Pipeline: %v", err)
	}
	p.Trigger.Start(ctx, cfg.Delivery.TriggerWorkers)

	var recorder tracking.Recorder = tracking.NewDirectRecorder(p.Processor)
	if cfg.Tracking.SQSQueueURL != "" {
		sqsClient, err := tracking.NewSQSClient(ctx, cfg.Tracking.Region)
		if err != nil {
			log.Fatalf("Tracking queue: %v", err)
		}
		recorder = tracking.NewSQSPublisher(sqsClient, cfg.Tracking.SQSQueueURL)
		logger.Info("tracking events published to SQS", "queue", cfg.Tracking.SQSQueueURL)
	}

	var archiver api.DeadLetterArchiver
	if cfg.Archive.Bucket != "" {
		s3Client, err := storage.NewS3Client(ctx, cfg.Archive.Region)
		if err != nil {
			log.Fatalf("Archive bucket: %v", err)
		}
		archiver = storage.NewArchiver(s3Client, p.Queue, cfg.Archive.Bucket)
	}

	router := api.NewRouter(api.RouterConfig{
		Campaigns: api.NewCampaignHandlers(p.Lifecycle, p.Dispatcher, p.Reporter, p.Queue, archiver),
		Tracking:  tracking.NewHandler(recorder, p.Tracker, cfg.Tracking.FallbackURL, cfg.Tracking.Brand),
		Health: api.NewHealthChecker(map[string]api.Probe{
			"postgres": db.PingContext,
			"redis":    p.Queue.Ping,
		}),
		InternalToken:  cfg.Server.InternalAPIToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if cfg.Server.InternalAPIToken == "" {
		logger.Warn("INTERNAL_API_TOKEN not set; /api/campaigns/process is disabled")
	}

	server := api.NewServer(router)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr(), "transport", cfg.Mail.Transport)
		if err := server.ListenAndServe(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	cancel()
	p.Trigger.Wait()
	if err := p.Transport.Close(); err != nil {
		logger.Warn("closing mail transport", "error", err)
	}
}
