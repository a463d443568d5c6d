// Package memory holds mutex-guarded in-memory stores. They back the unit
// tests and the local seeder; production wiring uses the postgres package.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/outbox"
)

// Store implements the payment command store and the outbox store over one
// shared mutex, so a staged outbox message becomes claimable exactly when
// the payment write it belongs to is visible.
type Store struct {
	mu sync.Mutex

	payments  map[uuid.UUID]*domain.Payment
	byIdemKey map[string]uuid.UUID
	customers map[string]uuid.UUID
	audits    []domain.AuditRecord

	messages []*outbox.Message
	policy   outbox.RetryPolicy
}

func NewStore() *Store {
	return &Store{
		payments:  map[uuid.UUID]*domain.Payment{},
		byIdemKey: map[string]uuid.UUID{},
		customers: map[string]uuid.UUID{},
		policy:    outbox.DefaultRetryPolicy(),
	}
}

// SetRetryPolicy overrides the redelivery schedule; tests shrink the delays.
func (s *Store) SetRetryPolicy(p outbox.RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment, msg *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byIdemKey[p.IdempotencyKey]; exists {
		return domain.ErrDuplicateIdempotencyKey
	}
	stored := clonePayment(p)
	stored.Version = 1
	s.audits = append(s.audits, stored.DrainAudit()...)
	s.payments[stored.ID] = stored
	s.byIdemKey[stored.IdempotencyKey] = stored.ID
	if msg != nil {
		s.messages = append(s.messages, cloneMessage(msg))
	}
	p.Version = stored.Version
	p.DrainAudit()
	return nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	return clonePayment(s.payments[id]), nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "payment", ID: id}
	}
	return clonePayment(p), nil
}

// UpdatePayment serializes all mutations behind the store mutex, mirroring
// the row lock the postgres store takes. fn runs against a copy; an error
// discards every change including the staged message.
func (s *Store) UpdatePayment(ctx context.Context, id uuid.UUID, fn func(p *domain.Payment) (*outbox.Message, error)) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.payments[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "payment", ID: id}
	}

	working := clonePayment(current)
	msg, err := fn(working)
	if err != nil {
		return nil, err
	}
	if working.Version != current.Version {
		return nil, domain.ErrVersionConflict
	}

	working.Version++
	s.audits = append(s.audits, working.DrainAudit()...)
	s.payments[id] = working
	if msg != nil {
		s.messages = append(s.messages, cloneMessage(msg))
	}
	return clonePayment(working), nil
}

func (s *Store) GetOrCreateCustomer(ctx context.Context, email, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.customers[email]; ok {
		return id, nil
	}
	id := uuid.New()
	s.customers[email] = id
	return id, nil
}

func (s *Store) ListExpiredAuthorizations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for _, p := range s.payments {
		if p.Status != domain.StatusAuthorized || p.AuthorizedAt == nil {
			continue
		}
		if p.AuthorizedAt.Before(cutoff) {
			ids = append(ids, p.ID)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// AuditTrail returns the persisted audit records for a payment in order.
func (s *Store) AuditTrail(paymentID uuid.UUID) []domain.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditRecord
	for _, a := range s.audits {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) ClaimBatch(ctx context.Context, n int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Only the oldest unpublished message per key is claimable; a head in
	// backoff or in flight gates everything behind it.
	head := map[string]*outbox.Message{}
	for _, m := range s.messages {
		if m.Status == outbox.StatusPublished {
			continue
		}
		if h, ok := head[m.Key]; !ok || m.CreatedAt.Before(h.CreatedAt) {
			head[m.Key] = m
		}
	}

	var eligible []*outbox.Message
	for _, m := range head {
		if m.Status != outbox.StatusPending && m.Status != outbox.StatusFailed {
			continue
		}
		if m.AvailableAt.After(now) {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	out := make([]outbox.Message, 0, len(eligible))
	for _, m := range eligible {
		m.Status = outbox.StatusProcessing
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.message(id)
	if m == nil {
		return &domain.NotFoundError{Kind: "outbox message", ID: id}
	}
	now := time.Now().UTC()
	m.Status = outbox.StatusPublished
	m.PublishedAt = &now
	m.UpdatedAt = now
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.message(id)
	if m == nil {
		return &domain.NotFoundError{Kind: "outbox message", ID: id}
	}
	now := time.Now().UTC()
	m.AttemptCount++
	m.LastError = cause
	m.AvailableAt = now.Add(s.policy.NextDelay(m.AttemptCount))
	if s.policy.Exhausted(m.AttemptCount) {
		m.Status = outbox.StatusFailed
	} else {
		m.Status = outbox.StatusPending
	}
	m.UpdatedAt = now
	return nil
}

func (s *Store) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	reclaimed := 0
	for _, m := range s.messages {
		if m.Status == outbox.StatusProcessing && m.UpdatedAt.Before(cutoff) {
			m.Status = outbox.StatusPending
			m.AvailableAt = now
			m.UpdatedAt = now
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Messages snapshots the outbox contents for assertions.
func (s *Store) Messages() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]outbox.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

func (s *Store) message(id uuid.UUID) *outbox.Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func clonePayment(p *domain.Payment) *domain.Payment {
	out := *p
	out.Metadata = map[string]string{}
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	out.Refunds = append([]domain.Refund(nil), p.Refunds...)
	if p.FraudScore != nil {
		score := *p.FraudScore
		out.FraudScore = &score
	}
	if p.AuthorizedAt != nil {
		t := *p.AuthorizedAt
		out.AuthorizedAt = &t
	}
	if p.CapturedAt != nil {
		t := *p.CapturedAt
		out.CapturedAt = &t
	}
	return &out
}

func cloneMessage(m *outbox.Message) *outbox.Message {
	out := *m
	out.Payload = append([]byte(nil), m.Payload...)
	return &out
}
