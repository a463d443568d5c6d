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
	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewStdoutLogger("ledgerd")

	store, err := postgres.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer store.Close()

	ledgerSvc := ledger.NewService(postgres.NewLedgerStore(store), cfg.PlatformFeePercent, logger)
	consumer := bus.NewKafkaConsumer(
		cfg.KafkaBrokers,
		cfg.PaymentEventsTopic,
		cfg.ConsumerGroup,
		ledger.NewConsumer(ledgerSvc, logger),
		logger,
	)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.Port, nil); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("Ledger consumer joining group %s on %s", cfg.ConsumerGroup, cfg.PaymentEventsTopic)
	if err := consumer.Run(ctx); err != nil {
		log.Fatalf("Consumer stopped: %v", err)
	}
}
