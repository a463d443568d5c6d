package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/logging"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_outbox_published_total",
		Help: "Outbox messages successfully published to the bus",
	})
	publishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_outbox_publish_failed_total",
		Help: "Outbox publish attempts that failed",
	})
	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_outbox_reclaimed_total",
		Help: "PROCESSING rows reclaimed after a dispatcher crash",
	})
)

// Publisher sends one message to the event bus. Delivery is acknowledged on
// nil return.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Dispatcher drains the outbox to the event bus. Multiple instances can run
// concurrently: ClaimBatch's skip-locked semantics keep them from claiming
// the same rows. Publish failures never surface to the original caller; the
// state change already committed.
type Dispatcher struct {
	Store        Store
	Publisher    Publisher
	Logger       logging.Logger
	PollInterval time.Duration
	BatchSize    int
	// ReclaimAfter bounds how long a row may sit in PROCESSING before it is
	// assumed orphaned by a crashed dispatcher.
	ReclaimAfter time.Duration
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce reclaims orphans, claims one batch and publishes it in order.
// ClaimBatch only hands out the oldest unpublished message per key, so a
// failed publish leaves later messages for that aggregate unclaimed, with
// their attempt counts untouched, until the head message goes through.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	if d.ReclaimAfter > 0 {
		n, err := d.Store.ReclaimStuck(ctx, d.ReclaimAfter)
		if err != nil {
			d.Logger.Error("outbox reclaim failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			reclaimedTotal.Add(float64(n))
			d.Logger.Info("reclaimed stuck outbox rows", map[string]any{"count": n})
		}
	}

	batch, err := d.Store.ClaimBatch(ctx, d.BatchSize)
	if err != nil {
		d.Logger.Error("outbox claim failed", map[string]any{"error": err.Error()})
		return
	}

	for _, msg := range batch {
		if err := d.Publisher.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			publishFailedTotal.Inc()
			d.Logger.Error("outbox publish failed", map[string]any{
				"outbox_id":  msg.ID,
				"event_type": msg.EventType,
				"attempts":   msg.AttemptCount + 1,
				"error":      err.Error(),
			})
			if err := d.Store.MarkFailed(ctx, msg.ID, err.Error()); err != nil {
				d.Logger.Error("outbox mark failed", map[string]any{"outbox_id": msg.ID, "error": err.Error()})
			}
			continue
		}

		publishedTotal.Inc()
		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			// The message will be claimed and published again; consumers
			// dedup, so at-least-once is preserved rather than losing it.
			d.Logger.Error("outbox mark published failed", map[string]any{"outbox_id": msg.ID, "error": err.Error()})
			continue
		}
		d.Logger.Info("published outbox event", map[string]any{
			"outbox_id":  msg.ID,
			"topic":      msg.Topic,
			"event_type": msg.EventType,
		})
	}
}
