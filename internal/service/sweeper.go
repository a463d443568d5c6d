package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/outbox"
)

var expiredAuthorizations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "payflow_expired_authorizations_total",
	Help: "Authorized payments expired by the sweeper.",
})

// Sweeper expires AUTHORIZED payments whose authorization was never captured
// or voided within the expiry window.
type Sweeper struct {
	Store        Store
	Logger       logging.Logger
	ExpiryWindow time.Duration
	PollInterval time.Duration
	BatchSize    int
}

func NewSweeper(store Store, logger logging.Logger, expiryWindow time.Duration) *Sweeper {
	return &Sweeper{
		Store:        store,
		Logger:       logger,
		ExpiryWindow: expiryWindow,
		PollInterval: time.Minute,
		BatchSize:    100,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.Logger.Error("authorization sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// SweepOnce expires one batch. Each payment is expired in its own
// transaction under the usual row lock, so a concurrent capture either wins
// cleanly or sees EXPIRED and is rejected.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.ExpiryWindow)
	ids, err := s.Store.ListExpiredAuthorizations(ctx, cutoff, s.BatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := s.Store.UpdatePayment(ctx, id, func(p *domain.Payment) (*outbox.Message, error) {
			if p.Status != domain.StatusAuthorized {
				// Raced with a capture or void between list and lock.
				return nil, nil
			}
			prev := p.Status
			if err := p.MarkExpired(); err != nil {
				return nil, err
			}
			return paymentMessage(domain.EventPaymentExpired, p, prev)
		})
		if err != nil {
			s.Logger.Error("failed to expire authorization", map[string]any{"payment_id": id, "error": err.Error()})
			continue
		}
		expiredAuthorizations.Inc()
		s.Logger.Info("authorization expired", map[string]any{"payment_id": id})
	}
	return nil
}
