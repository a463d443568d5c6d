package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/outbox"
)

// OutboxStore dispatches from the outbox_messages table. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent dispatcher instances partition the
// backlog instead of fighting over it.
type OutboxStore struct {
	*Store
	policy outbox.RetryPolicy
}

func NewOutboxStore(store *Store, policy outbox.RetryPolicy) *OutboxStore {
	return &OutboxStore{Store: store, policy: policy}
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, n int) ([]outbox.Message, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Claim-and-skip: locked rows belong to another dispatcher. The
	//    NOT EXISTS gate keeps any row behind an unpublished sibling for
	//    the same key out of the batch, so a backed-off or in-flight head
	//    message blocks its followers instead of being overtaken.
	rows, err := tx.Query(ctx,
		`SELECT m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.topic, m.key, m.payload, m.status,
			m.attempt_count, m.available_at, m.published_at, m.last_error, m.created_at, m.updated_at
		 FROM outbox_messages m
		 WHERE m.status IN ($1, $2) AND m.available_at <= now()
		   AND NOT EXISTS (
			SELECT 1 FROM outbox_messages prior
			WHERE prior.key = m.key
			  AND prior.created_at < m.created_at
			  AND prior.status <> $3
		   )
		 ORDER BY m.created_at
		 LIMIT $4
		 FOR UPDATE OF m SKIP LOCKED`,
		outbox.StatusPending, outbox.StatusFailed, outbox.StatusPublished, n)
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}

	var claimed []outbox.Message
	for rows.Next() {
		var m outbox.Message
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Topic, &m.Key,
			&m.Payload, &m.Status, &m.AttemptCount, &m.AvailableAt, &m.PublishedAt, &m.LastError,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 2. Flip the batch to PROCESSING before releasing the locks.
	for i := range claimed {
		claimed[i].Status = outbox.StatusProcessing
		_, err := tx.Exec(ctx,
			"UPDATE outbox_messages SET status = $1, updated_at = now() WHERE id = $2",
			outbox.StatusProcessing, claimed[i].ID)
		if err != nil {
			return nil, fmt.Errorf("claim update failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return claimed, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := s.Db.Exec(ctx,
		`UPDATE outbox_messages
		 SET status = $1, published_at = now(), updated_at = now()
		 WHERE id = $2`,
		outbox.StatusPublished, id)
	if err != nil {
		return fmt.Errorf("mark published failed: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	var attempts int
	err := s.Db.QueryRow(ctx,
		`UPDATE outbox_messages
		 SET attempt_count = attempt_count + 1, last_error = $1, updated_at = now()
		 WHERE id = $2
		 RETURNING attempt_count`,
		cause, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("mark failed update failed: %w", err)
	}

	status := outbox.StatusPending
	if s.policy.Exhausted(attempts) {
		status = outbox.StatusFailed
	}
	availableAt := time.Now().UTC().Add(s.policy.NextDelay(attempts))
	_, err = s.Db.Exec(ctx,
		"UPDATE outbox_messages SET status = $1, available_at = $2 WHERE id = $3",
		status, availableAt, id)
	if err != nil {
		return fmt.Errorf("reschedule failed: %w", err)
	}
	return nil
}

func (s *OutboxStore) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE outbox_messages
		 SET status = $1, available_at = now(), updated_at = now()
		 WHERE status = $2 AND updated_at < now() - $3::interval`,
		outbox.StatusPending, outbox.StatusProcessing, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaim failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
