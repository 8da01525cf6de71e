// Command worker runs the background loops of the delivery pipeline: the
// periodic dispatch pass, stranded item recovery, the scheduled campaign
// launcher and, when configured, the tracking queue consumer.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lovelink/mailer/internal/config"
	"github.com/lovelink/mailer/internal/pkg/bootstrap"
	"github.com/lovelink/mailer/internal/pkg/logger"
	"github.com/lovelink/mailer/internal/tracking"
	"github.com/lovelink/mailer/internal/worker"
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

	flush, err := bootstrap.InitSentry(cfg.Sentry, "mailer-worker")
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

	d := cfg.Delivery
	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}

	run(worker.NewDispatchScheduler(p.Dispatcher, d.DispatchInterval(), d.BatchSize).Start)
	run(worker.NewQueueRecoveryWorker(p.Campaigns, p.Queue, d.RecoveryInterval(), d.StaleAfter()).Start)
	run(worker.NewCampaignScheduler(p.Campaigns, p.Lifecycle, d.SchedulerInterval()).Start)

	var consumer *tracking.Consumer
	if cfg.Tracking.SQSQueueURL != "" {
		sqsClient, err := tracking.NewSQSClient(ctx, cfg.Tracking.Region)
		if err != nil {
			log.Fatalf("Tracking queue: %v", err)
		}
		consumer = tracking.NewConsumer(sqsClient, cfg.Tracking.SQSQueueURL, p.Processor)
		consumer.Start(ctx)
	}

	logger.Info("worker started",
		"dispatch_interval", d.DispatchInterval().String(),
		"recovery_interval", d.RecoveryInterval().String(),
		"scheduler_interval", d.SchedulerInterval().String(),
		"tracking_consumer", consumer != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down worker")

	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	wg.Wait()
	p.Trigger.Wait()
	if err := p.Transport.Close(); err != nil {
		logger.Warn("closing mail transport", "error", err)
	}
}
