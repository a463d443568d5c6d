package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/punchamoorthee/payflow/internal/outbox"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, merchant_id, customer_id, idempotency_key, amount::text, currency,
	status, processor_name, processor_ref, fraud_score, metadata, failure_reason, failure_code,
	version, created_at, updated_at, authorized_at, captured_at`

// CreatePayment inserts the payment, its audit trail and the staged outbox
// message in one transaction. A duplicate idempotency key surfaces as
// domain.ErrDuplicateIdempotencyKey.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment, msg *outbox.Message) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}

	// 1. Insert the payment; the unique index on idempotency_key decides
	// races between concurrent duplicate submissions.
	p.Version = 1
	_, err = tx.Exec(ctx,
		`INSERT INTO payments (id, merchant_id, customer_id, idempotency_key, amount, currency,
			status, processor_name, processor_ref, fraud_score, metadata, failure_reason, failure_code,
			version, created_at, updated_at, authorized_at, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.MerchantID, p.CustomerID, p.IdempotencyKey, p.Amount.Amount.String(), p.Amount.Currency,
		p.Status, p.ProcessorName, p.ProcessorRef, p.FraudScore, metadata, p.FailureReason, p.FailureCode,
		p.Version, p.CreatedAt, p.UpdatedAt, p.AuthorizedAt, p.CapturedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("payment insert failed: %w", err)
	}

	// 2. Audit trail and outbox row ride in the same transaction.
	if err := insertAudit(ctx, tx, p.DrainAudit()); err != nil {
		return err
	}
	if err := insertOutboxMessage(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = $1", key)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Refunds, err = s.loadRefunds(ctx, s.Db, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "payment", ID: id}
		}
		return nil, err
	}
	p.Refunds, err = s.loadRefunds(ctx, s.Db, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePayment locks the payment row for the duration of fn, then persists
// the aggregate, any new refunds and audit records, and the staged outbox
// message atomically. The version bump is guarded in the UPDATE itself.
func (s *Store) UpdatePayment(ctx context.Context, id uuid.UUID, fn func(p *domain.Payment) (*outbox.Message, error)) (*domain.Payment, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Exclusive lock; concurrent updates to the same payment queue here.
	row := tx.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "payment", ID: id}
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	p.Refunds, err = s.loadRefunds(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	knownRefunds := make(map[uuid.UUID]bool, len(p.Refunds))
	for _, r := range p.Refunds {
		knownRefunds[r.ID] = true
	}

	// 2. Run the mutation while the lock is held.
	msg, err := fn(p)
	if err != nil {
		return nil, err
	}

	// 3. Persist with the optimistic version check.
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, err
	}
	loadedVersion := p.Version
	p.Version++
	tag, err := tx.Exec(ctx,
		`UPDATE payments SET status = $1, processor_name = $2, processor_ref = $3, fraud_score = $4,
			metadata = $5, failure_reason = $6, failure_code = $7, version = $8, updated_at = $9,
			authorized_at = $10, captured_at = $11
		 WHERE id = $12 AND version = $13`,
		p.Status, p.ProcessorName, p.ProcessorRef, p.FraudScore,
		metadata, p.FailureReason, p.FailureCode, p.Version, p.UpdatedAt,
		p.AuthorizedAt, p.CapturedAt, p.ID, loadedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("payment update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrVersionConflict
	}

	// 4. New refunds, audit records and the outbox row.
	for _, r := range p.Refunds {
		if knownRefunds[r.ID] {
			continue
		}
		if err := insertRefund(ctx, tx, r); err != nil {
			return nil, err
		}
	}
	if err := insertAudit(ctx, tx, p.DrainAudit()); err != nil {
		return nil, err
	}
	if err := insertOutboxMessage(ctx, tx, msg); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return p, nil
}

func (s *Store) GetOrCreateCustomer(ctx context.Context, email, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.Db.QueryRow(ctx,
		`INSERT INTO customers (id, email, name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id`,
		uuid.New(), email, name, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("customer upsert failed: %w", err)
	}
	return id, nil
}

func (s *Store) ListExpiredAuthorizations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT id FROM payments WHERE status = $1 AND authorized_at < $2 ORDER BY authorized_at LIMIT $3",
		domain.StatusAuthorized, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) loadRefunds(ctx context.Context, q querier, paymentID uuid.UUID) ([]domain.Refund, error) {
	rows, err := q.Query(ctx,
		`SELECT id, payment_id, amount::text, currency, reason, status, processor_refund_id,
			failure_reason, created_at, completed_at, failed_at
		 FROM refunds WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		var r domain.Refund
		var amountStr, currency string
		if err := rows.Scan(&r.ID, &r.PaymentID, &amountStr, &currency, &r.Reason, &r.Status,
			&r.ProcessorRefundID, &r.FailureReason, &r.CreatedAt, &r.CompletedAt, &r.FailedAt); err != nil {
			return nil, err
		}
		r.Amount, err = parseMoney(amountStr, currency)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefund(ctx context.Context, tx execer, r domain.Refund) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO refunds (id, payment_id, amount, currency, reason, status, processor_refund_id,
			failure_reason, created_at, completed_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PaymentID, r.Amount.Amount.String(), r.Amount.Currency, r.Reason, r.Status,
		r.ProcessorRefundID, r.FailureReason, r.CreatedAt, r.CompletedAt, r.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("refund insert failed: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx execer, records []domain.AuditRecord) error {
	for _, a := range records {
		_, err := tx.Exec(ctx,
			`INSERT INTO payment_audit (id, payment_id, event_type, previous_status, new_status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.PaymentID, a.EventType, a.PreviousStatus, a.NewStatus, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("audit insert failed: %w", err)
		}
	}
	return nil
}

func insertOutboxMessage(ctx context.Context, tx execer, msg *outbox.Message) error {
	if msg == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, topic, key,
			payload, status, attempt_count, available_at, published_at, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic, msg.Key,
		msg.Payload, msg.Status, msg.AttemptCount, msg.AvailableAt, msg.PublishedAt,
		msg.LastError, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox insert failed: %w", err)
	}
	return nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var amountStr, currency string
	var metadata []byte
	err := row.Scan(&p.ID, &p.MerchantID, &p.CustomerID, &p.IdempotencyKey, &amountStr, &currency,
		&p.Status, &p.ProcessorName, &p.ProcessorRef, &p.FraudScore, &metadata, &p.FailureReason,
		&p.FailureCode, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.AuthorizedAt, &p.CapturedAt)
	if err != nil {
		return nil, err
	}
	p.Amount, err = parseMoney(amountStr, currency)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, err
		}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	return &p, nil
}

func parseMoney(amountStr, currency string) (money.Money, error) {
	d, err := decimal.NewFromString(amountStr)
	if err != nil {
		return money.Money{}, fmt.Errorf("invalid stored amount %q: %w", amountStr, err)
	}
	return money.New(d, currency)
}
