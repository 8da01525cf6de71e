// Command tracking serves only the public open, click and unsubscribe
// endpoints and publishes every event to SQS. It needs no database, so it
// can be scaled at the edge separately from the API server; cmd/worker
// consumes the queue.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lovelink/mailer/internal/config"
	"github.com/lovelink/mailer/internal/mailing"
	"github.com/lovelink/mailer/internal/pkg/bootstrap"
	"github.com/lovelink/mailer/internal/pkg/httputil"
	"github.com/lovelink/mailer/internal/pkg/logger"
	"github.com/lovelink/mailer/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Tracking.SQSQueueURL == "" {
		log.Fatal("TRACKING_SQS_QUEUE_URL is required")
	}
	if cfg.Tracking.SigningKey == "" {
		log.Fatal("TRACKING_SIGNING_KEY is required")
	}
	bootstrap.ConfigureLogger(cfg.Logging)

	sqsClient, err := tracking.NewSQSClient(context.Background(), cfg.Tracking.Region)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}

	tracker := mailing.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	handler := tracking.NewHandler(tracking.NewSQSPublisher(sqsClient, cfg.Tracking.SQSQueueURL),
		tracker, cfg.Tracking.FallbackURL, cfg.Tracking.Brand)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "healthy"})
	})
	handler.Register(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking service")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
