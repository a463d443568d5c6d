package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	KafkaBrokers       []string
	PaymentEventsTopic string
	ConsumerGroup      string

	PlatformFeePercent decimal.Decimal

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxReclaimAfter time.Duration

	AuthExpiry time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	feePercent, err := decimalEnv("PLATFORM_FEE_PERCENT", "2.9")
	if err != nil {
		return nil, err
	}
	pollInterval, err := durationEnv("OUTBOX_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	batchSize, err := intEnv("OUTBOX_BATCH_SIZE", 100)
	if err != nil {
		return nil, err
	}
	reclaimAfter, err := durationEnv("OUTBOX_RECLAIM_AFTER", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	authExpiry, err := durationEnv("AUTH_EXPIRY", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:           dbSource,
		Port:               stringEnv("SERVER_PORT", "8080"),
		Env:                stringEnv("ENVIRONMENT", "development"),
		KafkaBrokers:       strings.Split(stringEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		PaymentEventsTopic: stringEnv("PAYMENT_EVENTS_TOPIC", "payment-events"),
		ConsumerGroup:      stringEnv("CONSUMER_GROUP", "payflow-ledger"),
		PlatformFeePercent: feePercent,
		OutboxPollInterval: pollInterval,
		OutboxBatchSize:    batchSize,
		OutboxReclaimAfter: reclaimAfter,
		AuthExpiry:         authExpiry,
	}, nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s must be a decimal: %w", key, err)
	}
	return d, nil
}
