package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

type AccountType string

const (
	AccountCustomer AccountType = "CUSTOMER"
	AccountMerchant AccountType = "MERCHANT"
	AccountPlatform AccountType = "PLATFORM"
)

// PlatformAccountID derives the fee collection account for a currency. It is
// deterministic so every node posts platform fees to the same account without
// coordination.
func PlatformAccountID(currency string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("platform-fee-"+currency))
}

// Entry is one leg of a balanced entry group. Entries are append-only; a
// correction is a new group, never an update.
type Entry struct {
	ID           uuid.UUID
	EntryGroupID uuid.UUID
	AccountID    uuid.UUID
	AccountType  AccountType
	Direction    Direction
	Amount       money.Money
	PaymentID    uuid.UUID
	EventID      string
	Description  string
	CreatedAt    time.Time
}

// Balance is the materialized net position of one account in one currency.
// Net is credits minus debits; customer accounts therefore go negative as
// they are charged.
type Balance struct {
	AccountID uuid.UUID
	Currency  string
	Net       money.Money
	Version   int64
	UpdatedAt time.Time
}

// Signed returns the balance delta this entry contributes.
func (e Entry) Signed() (money.Money, error) {
	switch e.Direction {
	case Credit:
		return e.Amount, nil
	case Debit:
		return e.Amount.Mul(decimal.NewFromInt(-1)), nil
	default:
		return money.Money{}, fmt.Errorf("unknown entry direction: %q", e.Direction)
	}
}
