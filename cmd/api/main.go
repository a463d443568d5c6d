package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/payflow/internal/api"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.NewStdoutLogger("api")

	if err := runMigrations(cfg.DBSource); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	store, err := postgres.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer store.Close()

	// Initialize Layers
	processor := service.NewMockProcessor()
	fraud := service.NewHeuristicScorer()
	payments := service.NewPaymentService(store, processor, fraud, logger)
	ledgerSvc := ledger.NewService(postgres.NewLedgerStore(store), cfg.PlatformFeePercent, logger)
	handler := api.NewHandler(payments, ledgerSvc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := service.NewSweeper(store, logger, cfg.AuthExpiry)
	go sweeper.Run(ctx)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments", handler.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}", handler.GetPaymentHandler).Methods("GET")
	apiV1.HandleFunc("/payments/{id}/capture", handler.CapturePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/void", handler.VoidPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/refund", handler.RefundPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/ledger/accounts/{id}/balance", handler.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/ledger/accounts/{id}/entries", handler.GetAccountEntriesHandler).Methods("GET")
	apiV1.HandleFunc("/ledger/entry-groups", handler.CreateEntryGroupHandler).Methods("POST")
	apiV1.HandleFunc("/ledger/reconciliation", handler.ReconciliationHandler).Methods("GET")

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Printf("Server starting on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func runMigrations(dbSource string) error {
	db, err := sql.Open("postgres", dbSource)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.Up(db, "migrations")
}
