package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/money"
)

// LedgerStore persists entry groups, balances and the consumption dedup
// table.
type LedgerStore struct {
	*Store
}

func NewLedgerStore(store *Store) *LedgerStore {
	return &LedgerStore{Store: store}
}

type ledgerTx struct {
	tx pgx.Tx
}

func (s *LedgerStore) ExecTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// MarkConsumed inserts the dedup row; the primary key decides races between
// concurrent deliveries of the same event.
func (t *ledgerTx) MarkConsumed(ctx context.Context, dedupKey, eventID string) (bool, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO processed_event_consumptions (dedup_key, event_id, consumed_at) VALUES ($1, $2, now())",
		dedupKey, eventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("consumption insert failed: %w", err)
	}
	return true, nil
}

func (t *ledgerTx) InsertEntries(ctx context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, entry_group_id, account_id, account_type, direction,
				amount, currency, payment_id, event_id, description, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.EntryGroupID, e.AccountID, e.AccountType, e.Direction,
			e.Amount.Amount.String(), e.Amount.Currency, e.PaymentID, e.EventID, e.Description, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("ledger entry insert failed: %w", err)
		}
	}
	return nil
}

// LockBalance takes the per-account row lock, inserting a zero row first for
// accounts with no history. The insert uses ON CONFLICT DO NOTHING so two
// first-touch transactions serialize on the subsequent FOR UPDATE.
func (t *ledgerTx) LockBalance(ctx context.Context, accountID uuid.UUID, currency string) (ledger.Balance, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO account_balances (account_id, currency, net, version, updated_at)
		 VALUES ($1, $2, 0, 0, now())
		 ON CONFLICT (account_id, currency) DO NOTHING`,
		accountID, currency)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("balance insert failed: %w", err)
	}

	row := t.tx.QueryRow(ctx,
		`SELECT account_id, currency, net::text, version, updated_at
		 FROM account_balances WHERE account_id = $1 AND currency = $2 FOR UPDATE`,
		accountID, currency)
	return scanBalance(row)
}

func (t *ledgerTx) SaveBalance(ctx context.Context, b ledger.Balance) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE account_balances SET net = $1, version = version + 1, updated_at = $2
		 WHERE account_id = $3 AND currency = $4`,
		b.Net.Amount.String(), b.UpdatedAt, b.AccountID, b.Currency)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance row vanished for account %s %s", b.AccountID, b.Currency)
	}
	return nil
}

// SumGroup re-reads the group's stored totals inside the same transaction
// so the posting can abort before commit when the rows do not balance.
func (t *ledgerTx) SumGroup(ctx context.Context, groupID uuid.UUID) (money.Money, money.Money, error) {
	var debitStr, creditStr, currency string
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN direction = 'DEBIT' THEN amount ELSE 0 END), 0)::text,
			COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE 0 END), 0)::text,
			currency
		 FROM ledger_entries WHERE entry_group_id = $1
		 GROUP BY currency`,
		groupID).Scan(&debitStr, &creditStr, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Money{}, money.Money{}, fmt.Errorf("entry group %s has no entries", groupID)
		}
		return money.Money{}, money.Money{}, fmt.Errorf("group sum failed: %w", err)
	}
	debits, err := parseMoney(debitStr, currency)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	credits, err := parseMoney(creditStr, currency)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	return debits, credits, nil
}

func (s *LedgerStore) GetBalance(ctx context.Context, accountID uuid.UUID, currency string) (ledger.Balance, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT account_id, currency, net::text, version, updated_at
		 FROM account_balances WHERE account_id = $1 AND currency = $2`,
		accountID, currency)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{AccountID: accountID, Currency: currency, Net: money.Zero(currency)}, nil
		}
		return ledger.Balance{}, err
	}
	return b, nil
}

func (s *LedgerStore) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]ledger.Entry, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, entry_group_id, account_id, account_type, direction, amount::text, currency,
			payment_id, event_id, description, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var amountStr, currency string
		if err := rows.Scan(&e.ID, &e.EntryGroupID, &e.AccountID, &e.AccountType, &e.Direction,
			&amountStr, &currency, &e.PaymentID, &e.EventID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, err = parseMoney(amountStr, currency)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TrialBalance sums the signed amounts per currency across the whole book.
// Every currency must come back zero.
func (s *LedgerStore) TrialBalance(ctx context.Context) (map[string]money.Money, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT currency,
			COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)::text
		 FROM ledger_entries GROUP BY currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := map[string]money.Money{}
	for rows.Next() {
		var currency, netStr string
		if err := rows.Scan(&currency, &netStr); err != nil {
			return nil, err
		}
		net, err := parseMoney(netStr, currency)
		if err != nil {
			return nil, err
		}
		totals[currency] = net
	}
	return totals, rows.Err()
}

// EntryTotals sums debits and credits per currency over [from, to).
func (s *LedgerStore) EntryTotals(ctx context.Context, from, to time.Time) (map[string]ledger.CurrencyTotals, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT currency,
			COALESCE(SUM(CASE WHEN direction = 'DEBIT' THEN amount ELSE 0 END), 0)::text,
			COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE 0 END), 0)::text
		 FROM ledger_entries
		 WHERE created_at >= $1 AND created_at < $2
		 GROUP BY currency`,
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := map[string]ledger.CurrencyTotals{}
	for rows.Next() {
		var currency, debitStr, creditStr string
		if err := rows.Scan(&currency, &debitStr, &creditStr); err != nil {
			return nil, err
		}
		debits, err := parseMoney(debitStr, currency)
		if err != nil {
			return nil, err
		}
		credits, err := parseMoney(creditStr, currency)
		if err != nil {
			return nil, err
		}
		totals[currency] = ledger.CurrencyTotals{Debits: debits, Credits: credits}
	}
	return totals, rows.Err()
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var b ledger.Balance
	var netStr string
	if err := row.Scan(&b.AccountID, &b.Currency, &netStr, &b.Version, &b.UpdatedAt); err != nil {
		return ledger.Balance{}, err
	}
	var err error
	b.Net, err = parseMoney(netStr, b.Currency)
	if err != nil {
		return ledger.Balance{}, err
	}
	return b, nil
}
