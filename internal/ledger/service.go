package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/shopspring/decimal"
)

var (
	entriesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_ledger_entries_posted_total",
		Help: "Individual ledger entries written.",
	})
	imbalancesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_ledger_imbalances_total",
		Help: "Entry groups rejected because debits and credits did not match.",
	})
)

// Store is the durable side of the ledger. ExecTx runs fn inside one
// database transaction; an error from fn rolls the whole posting back,
// including the dedup record, so a failed event is retried on redelivery.
type Store interface {
	ExecTx(ctx context.Context, fn func(tx Tx) error) error
	GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (Balance, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]Entry, error)

	// TrialBalance sums signed entry amounts per currency across all
	// accounts. Every currency must sum to zero.
	TrialBalance(ctx context.Context) (map[string]money.Money, error)

	// EntryTotals sums debits and credits per currency over entries created
	// in [from, to).
	EntryTotals(ctx context.Context, from, to time.Time) (map[string]CurrencyTotals, error)
}

// CurrencyTotals is the per-currency debit and credit sum over a period.
type CurrencyTotals struct {
	Debits  money.Money
	Credits money.Money
}

// Tx is the per-transaction surface used while posting one entry group.
type Tx interface {
	// MarkConsumed inserts the dedup record and reports false when the key
	// was already consumed.
	MarkConsumed(ctx context.Context, dedupKey, eventID string) (bool, error)
	InsertEntries(ctx context.Context, entries []Entry) error
	// LockBalance returns the balance row under an exclusive lock, creating
	// a zero row first when the account has no history.
	LockBalance(ctx context.Context, accountID uuid.UUID, currency string) (Balance, error)
	SaveBalance(ctx context.Context, b Balance) error
	// SumGroup recomputes debit and credit totals for an entry group from
	// the rows visible inside this transaction.
	SumGroup(ctx context.Context, groupID uuid.UUID) (debits, credits money.Money, err error)
}

type Service struct {
	store      Store
	feePercent decimal.Decimal
	logger     logging.Logger
}

// NewService builds the posting service. feePercent is the platform fee as a
// percentage, e.g. 2.9 for 2.9%.
func NewService(store Store, feePercent decimal.Decimal, logger logging.Logger) *Service {
	return &Service{store: store, feePercent: feePercent, logger: logger}
}

// RecordCapture posts the three-leg capture group: the customer account is
// debited the gross amount, the merchant is credited net of the platform
// fee, and the platform fee account is credited the fee. Posting and the
// dedup record commit atomically; a replayed dedupKey is a no-op.
func (s *Service) RecordCapture(ctx context.Context, dedupKey string, event domain.PaymentEvent) error {
	gross, err := money.FromMinorUnits(event.Amount, event.Currency)
	if err != nil {
		return err
	}
	fee := gross.Mul(s.feePercent.Div(decimal.NewFromInt(100))).RoundToMinorUnit()
	net, err := gross.Sub(fee)
	if err != nil {
		return err
	}

	groupID := uuid.New()
	now := time.Now().UTC()
	entries := []Entry{
		{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: event.CustomerID, AccountType: AccountCustomer,
			Direction: Debit, Amount: gross,
			PaymentID: event.PaymentID, EventID: event.EventID,
			Description: "payment capture", CreatedAt: now,
		},
		{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: event.MerchantID, AccountType: AccountMerchant,
			Direction: Credit, Amount: net,
			PaymentID: event.PaymentID, EventID: event.EventID,
			Description: "payment capture, net of fees", CreatedAt: now,
		},
		{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: PlatformAccountID(event.Currency), AccountType: AccountPlatform,
			Direction: Credit, Amount: fee,
			PaymentID: event.PaymentID, EventID: event.EventID,
			Description: "platform fee", CreatedAt: now,
		},
	}
	return s.post(ctx, dedupKey, event.EventID, entries)
}

// RecordRefund mirrors the capture legs for the refunded amount: the
// customer is credited the gross refund, the merchant is debited the net and
// the platform gives back the proportional fee.
func (s *Service) RecordRefund(ctx context.Context, dedupKey string, event domain.PaymentEvent, refundMinorUnits int64) error {
	gross, err := money.FromMinorUnits(refundMinorUnits, event.Currency)
	if err != nil {
		return err
	}
	fee := gross.Mul(s.feePercent.Div(decimal.NewFromInt(100))).RoundToMinorUnit()
	net, err := gross.Sub(fee)
	if err != nil {
		return err
	}

	groupID := uuid.New()
	now := time.Now().UTC()
	entries := []Entry{
		{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: event.CustomerID, AccountType: AccountCustomer,
			Direction: Credit, Amount: gross,
			PaymentID: event.PaymentID, EventID: event.EventID,
			Description: "payment refund", CreatedAt: now,
		},
		{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: event.MerchantID, AccountType: AccountMerchant,
			Direction: Debit, Amount: net,
			PaymentID: event.PaymentID, EventID: event.EventID,
			Description: "payment refund, net of fees", CreatedAt: now,
		},
		{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: PlatformAccountID(event.Currency), AccountType: AccountPlatform,
			Direction: Debit, Amount: fee,
			PaymentID: event.PaymentID, EventID: event.EventID,
			Description: "platform fee reversal", CreatedAt: now,
		},
	}
	return s.post(ctx, dedupKey, event.EventID, entries)
}

// EntryLine is one leg of a manually posted entry group. Amount is in the
// currency's minor units.
type EntryLine struct {
	AccountID   uuid.UUID   `json:"accountId"`
	AccountType AccountType `json:"accountType"`
	Direction   Direction   `json:"direction"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Description string      `json:"description"`
}

// CreateEntryGroup posts a manual adjustment group, for corrections that do
// not originate from a payment event. The group must balance; an unbalanced
// request is rejected before any write.
func (s *Service) CreateEntryGroup(ctx context.Context, lines []EntryLine) (uuid.UUID, error) {
	groupID := uuid.New()
	now := time.Now().UTC()
	entries := make([]Entry, 0, len(lines))
	for _, l := range lines {
		amount, err := money.FromMinorUnits(l.Amount, l.Currency)
		if err != nil {
			return uuid.Nil, err
		}
		entries = append(entries, Entry{
			ID: uuid.New(), EntryGroupID: groupID,
			AccountID: l.AccountID, AccountType: l.AccountType,
			Direction: l.Direction, Amount: amount,
			Description: l.Description, CreatedAt: now,
		})
	}
	if err := s.post(ctx, "manual:"+groupID.String(), groupID.String(), entries); err != nil {
		return uuid.Nil, err
	}
	return groupID, nil
}

// post validates the group before touching the database, then writes dedup
// record, entries and balance updates in one transaction, re-checking the
// stored totals before commit. Balances are locked in deterministic account
// order to keep concurrent groups from deadlocking.
func (s *Service) post(ctx context.Context, dedupKey, eventID string, entries []Entry) error {
	if err := validateGroup(entries); err != nil {
		imbalancesDetected.Inc()
		s.logger.Error("ledger entry group rejected", map[string]any{"event_id": eventID, "error": err.Error()})
		return err
	}

	err := s.store.ExecTx(ctx, func(tx Tx) error {
		fresh, err := tx.MarkConsumed(ctx, dedupKey, eventID)
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.Info("duplicate event skipped", map[string]any{"dedup_key": dedupKey})
			return nil
		}

		if err := tx.InsertEntries(ctx, entries); err != nil {
			return err
		}

		for _, e := range sortedByAccount(entries) {
			delta, err := e.Signed()
			if err != nil {
				return err
			}
			balance, err := tx.LockBalance(ctx, e.AccountID, e.Amount.Currency)
			if err != nil {
				return err
			}
			balance.Net, err = balance.Net.Add(delta)
			if err != nil {
				return err
			}
			balance.UpdatedAt = time.Now().UTC()
			if err := tx.SaveBalance(ctx, balance); err != nil {
				return err
			}
		}

		// Re-read what was actually written; a mismatch aborts the whole
		// posting so no partial group can commit.
		groupID := entries[0].EntryGroupID
		debits, credits, err := tx.SumGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if !debits.Equal(credits) {
			imbalancesDetected.Inc()
			return &domain.ConsistencyViolation{
				EntryGroupID: groupID,
				Debits:       debits.String(),
				Credits:      credits.String(),
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	entriesPosted.Add(float64(len(entries)))
	return nil
}

func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (Balance, error) {
	return s.store.GetBalance(ctx, accountID, currency)
}

func (s *Service) GetAccountEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]Entry, error) {
	return s.store.ListEntries(ctx, accountID, limit)
}

// ReconciliationReport verifies the double-entry invariant over a period:
// per currency, total debits must equal total credits.
type ReconciliationReport struct {
	From         time.Time         `json:"from"`
	To           time.Time         `json:"to"`
	Balanced     bool              `json:"balanced"`
	TotalDebits  map[string]string `json:"totalDebits"`
	TotalCredits map[string]string `json:"totalCredits"`
	GeneratedAt  time.Time         `json:"generatedAt"`
}

func (s *Service) Reconcile(ctx context.Context, from, to time.Time) (ReconciliationReport, error) {
	totals, err := s.store.EntryTotals(ctx, from, to)
	if err != nil {
		return ReconciliationReport{}, err
	}
	report := ReconciliationReport{
		From:         from,
		To:           to,
		Balanced:     true,
		TotalDebits:  map[string]string{},
		TotalCredits: map[string]string{},
		GeneratedAt:  time.Now().UTC(),
	}
	for currency, t := range totals {
		report.TotalDebits[currency] = t.Debits.String()
		report.TotalCredits[currency] = t.Credits.String()
		if !t.Debits.Equal(t.Credits) {
			report.Balanced = false
		}
	}
	return report, nil
}

// validateGroup rejects any group whose debits and credits do not match per
// currency. The violation is fatal for the event; it must never be posted.
func validateGroup(entries []Entry) error {
	if len(entries) < 2 {
		return fmt.Errorf("entry group must have at least two legs, got %d", len(entries))
	}
	groupID := entries[0].EntryGroupID
	debits := money.Zero(entries[0].Amount.Currency)
	credits := money.Zero(entries[0].Amount.Currency)
	for _, e := range entries {
		if e.Amount.IsNegative() {
			return fmt.Errorf("entry %s has negative amount %s", e.ID, e.Amount)
		}
		var err error
		switch e.Direction {
		case Debit:
			debits, err = debits.Add(e.Amount)
		case Credit:
			credits, err = credits.Add(e.Amount)
		default:
			err = fmt.Errorf("unknown entry direction: %q", e.Direction)
		}
		if err != nil {
			return err
		}
	}
	if !debits.Equal(credits) {
		return &domain.ConsistencyViolation{
			EntryGroupID: groupID,
			Debits:       debits.String(),
			Credits:      credits.String(),
		}
	}
	return nil
}

func sortedByAccount(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccountID.String() < out[j].AccountID.String()
	})
	return out
}
