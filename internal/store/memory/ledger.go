package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/money"
)

type balanceKey struct {
	accountID uuid.UUID
	currency  string
}

// LedgerStore keeps the book in memory. ExecTx stages every write and
// applies the batch only when fn succeeds, matching the rollback semantics
// of the postgres implementation.
type LedgerStore struct {
	mu       sync.Mutex
	consumed map[string]string
	entries  []ledger.Entry
	balances map[balanceKey]ledger.Balance
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		consumed: map[string]string{},
		balances: map[balanceKey]ledger.Balance{},
	}
}

type ledgerTx struct {
	store    *LedgerStore
	consumed map[string]string
	entries  []ledger.Entry
	balances map[balanceKey]ledger.Balance
}

func (s *LedgerStore) ExecTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &ledgerTx{
		store:    s,
		consumed: map[string]string{},
		balances: map[balanceKey]ledger.Balance{},
	}
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.consumed {
		s.consumed[k] = v
	}
	s.entries = append(s.entries, tx.entries...)
	for k, b := range tx.balances {
		b.Version++
		s.balances[k] = b
	}
	return nil
}

func (t *ledgerTx) MarkConsumed(ctx context.Context, dedupKey, eventID string) (bool, error) {
	if _, ok := t.store.consumed[dedupKey]; ok {
		return false, nil
	}
	if _, ok := t.consumed[dedupKey]; ok {
		return false, nil
	}
	t.consumed[dedupKey] = eventID
	return true, nil
}

func (t *ledgerTx) InsertEntries(ctx context.Context, entries []ledger.Entry) error {
	t.entries = append(t.entries, entries...)
	return nil
}

func (t *ledgerTx) LockBalance(ctx context.Context, accountID uuid.UUID, currency string) (ledger.Balance, error) {
	key := balanceKey{accountID: accountID, currency: currency}
	if b, ok := t.balances[key]; ok {
		return b, nil
	}
	if b, ok := t.store.balances[key]; ok {
		return b, nil
	}
	return ledger.Balance{
		AccountID: accountID,
		Currency:  currency,
		Net:       money.Zero(currency),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (t *ledgerTx) SaveBalance(ctx context.Context, b ledger.Balance) error {
	t.balances[balanceKey{accountID: b.AccountID, currency: b.Currency}] = b
	return nil
}

func (t *ledgerTx) SumGroup(ctx context.Context, groupID uuid.UUID) (money.Money, money.Money, error) {
	var debits, credits money.Money
	seen := false
	sum := func(entries []ledger.Entry) error {
		for _, e := range entries {
			if e.EntryGroupID != groupID {
				continue
			}
			if !seen {
				debits = money.Zero(e.Amount.Currency)
				credits = money.Zero(e.Amount.Currency)
				seen = true
			}
			var err error
			switch e.Direction {
			case ledger.Debit:
				debits, err = debits.Add(e.Amount)
			case ledger.Credit:
				credits, err = credits.Add(e.Amount)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := sum(t.store.entries); err != nil {
		return money.Money{}, money.Money{}, err
	}
	if err := sum(t.entries); err != nil {
		return money.Money{}, money.Money{}, err
	}
	if !seen {
		return money.Money{}, money.Money{}, fmt.Errorf("entry group %s has no entries", groupID)
	}
	return debits, credits, nil
}

func (s *LedgerStore) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{accountID: accountID, currency: currency}
	if b, ok := s.balances[key]; ok {
		return b, nil
	}
	return ledger.Balance{
		AccountID: accountID,
		Currency:  currency,
		Net:       money.Zero(currency),
	}, nil
}

func (s *LedgerStore) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.Entry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LedgerStore) EntryTotals(ctx context.Context, from, to time.Time) (map[string]ledger.CurrencyTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := map[string]ledger.CurrencyTotals{}
	for _, e := range s.entries {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		t, ok := totals[e.Amount.Currency]
		if !ok {
			t = ledger.CurrencyTotals{
				Debits:  money.Zero(e.Amount.Currency),
				Credits: money.Zero(e.Amount.Currency),
			}
		}
		var err error
		switch e.Direction {
		case ledger.Debit:
			t.Debits, err = t.Debits.Add(e.Amount)
		case ledger.Credit:
			t.Credits, err = t.Credits.Add(e.Amount)
		}
		if err != nil {
			return nil, err
		}
		totals[e.Amount.Currency] = t
	}
	return totals, nil
}

func (s *LedgerStore) TrialBalance(ctx context.Context) (map[string]money.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := map[string]money.Money{}
	for _, e := range s.entries {
		delta, err := e.Signed()
		if err != nil {
			return nil, err
		}
		total, ok := totals[e.Amount.Currency]
		if !ok {
			total = money.Zero(e.Amount.Currency)
		}
		total, err = total.Add(delta)
		if err != nil {
			return nil, err
		}
		totals[e.Amount.Currency] = total
	}
	return totals, nil
}
