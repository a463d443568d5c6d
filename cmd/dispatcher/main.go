package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/payflow/internal/bus"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/outbox"
	"github.com/punchamoorthee/payflow/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewStdoutLogger("dispatcher")

	store, err := postgres.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer store.Close()

	publisher := bus.NewKafkaPublisher(cfg.KafkaBrokers)
	defer publisher.Close()

	dispatcher := &outbox.Dispatcher{
		Store:        postgres.NewOutboxStore(store, outbox.DefaultRetryPolicy()),
		Publisher:    publisher,
		Logger:       logger,
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		ReclaimAfter: cfg.OutboxReclaimAfter,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("Dispatcher polling every %s", cfg.OutboxPollInterval)
	dispatcher.Run(ctx)
}
